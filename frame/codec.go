// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrConnectionReset is returned by ReadFrame when the peer closed the
// connection in the middle of a frame (spec.md §4.1).
var ErrConnectionReset = errors.New("frame: connection reset mid-frame")

// DecodeError wraps a syntactically illegal frame. It is distinct from
// "need more bytes", which ReadFrame never surfaces as an error.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return fmt.Sprintf("frame: malformed frame: %s", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// Channel is a symmetric bidirectional frame endpoint over a
// net.Conn, parameterized by the inbound (In) and outbound (Out)
// value types (spec.md §4.1). A Channel is safe for one concurrent
// reader and one concurrent writer (the same pattern the teacher's
// tenant.child uses: a single owner does reads, writes are
// lock-serialized so two writers never interleave a frame).
type Channel[In any, Out any] struct {
	conn net.Conn
	buf  []byte
	wmu  sync.Mutex
}

// New wraps conn in a Channel. Every frame written with WriteFrame
// must decode, on the peer's end, to an In; every frame read with
// ReadFrame is assumed to have been written as an Out by the peer.
func New[In any, Out any](conn net.Conn) *Channel[In, Out] {
	return &Channel[In, Out]{conn: conn}
}

// WriteFrame encodes value with a self-describing binary format and
// writes it to the connection in one call, then the caller is
// guaranteed the bytes have left the process (spec.md §4.1).
func (c *Channel[In, Out]) WriteFrame(value *Out) error {
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("frame: encode: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(encoded); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}

// ReadFrame reads into an internal growable buffer until it holds at
// least one complete frame, or the peer closes the connection.
//
// It returns (nil, nil) iff the peer closed cleanly on a frame
// boundary (buffer was empty); ErrConnectionReset if the peer closed
// mid-frame; a *DecodeError only for syntactically illegal input,
// never for a short read (spec.md §4.1's core invariant).
func (c *Channel[In, Out]) ReadFrame() (*In, error) {
	readBuf := make([]byte, 4096)
	for {
		value, consumed, ok, err := c.tryDecode()
		if err != nil {
			return nil, err
		}
		if ok {
			c.buf = c.buf[consumed:]
			return value, nil
		}

		n, err := c.conn.Read(readBuf)
		if n > 0 {
			c.buf = append(c.buf, readBuf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(c.buf) == 0 {
					return nil, nil
				}
				return nil, ErrConnectionReset
			}
			return nil, fmt.Errorf("frame: read: %w", err)
		}
	}
}

// tryDecode attempts to decode exactly one In value from the front of
// c.buf, leaving c.buf untouched on failure so the caller can append
// more bytes and retry — frames are consumed prefix-wise, and leftover
// bytes remain buffered for the next call (spec.md §4.1).
func (c *Channel[In, Out]) tryDecode() (value *In, consumed int, ok bool, err error) {
	if len(c.buf) == 0 {
		return nil, 0, false, nil
	}
	r := bytes.NewReader(c.buf)
	dec := msgpack.NewDecoder(r)
	var v In
	decErr := dec.Decode(&v)
	if decErr == nil {
		return &v, len(c.buf) - r.Len(), true, nil
	}
	if needsMoreData(decErr) {
		return nil, 0, false, nil
	}
	return nil, 0, false, &DecodeError{Err: decErr}
}

// needsMoreData reports whether decErr indicates the buffer merely
// holds an incomplete frame prefix, as opposed to genuinely malformed
// input.
func needsMoreData(decErr error) bool {
	if errors.Is(decErr, io.EOF) || errors.Is(decErr, io.ErrUnexpectedEOF) {
		return true
	}
	// msgpack's decoder does not always wrap the sentinel errors when
	// the underlying reader runs dry mid-value; fall back to a
	// message-based check rather than mistake a short read for
	// malformed input.
	return strings.Contains(decErr.Error(), "EOF")
}
