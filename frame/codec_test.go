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
	"errors"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestRoundTrip(t *testing.T) {
	server, client := pipePair(t)
	srv := New[ServerCommand, ClientCommand](server)
	cli := New[ClientCommand, ServerCommand](client)

	go func() {
		srv.WriteFrame(&ClientCommand{Kind: SuccessfulConnection})
		srv.WriteFrame(&ClientCommand{Kind: TaskList, Tasks: []string{"a", "b"}})
	}()

	got, err := cli.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != SuccessfulConnection {
		t.Fatalf("got %+v", got)
	}

	got2, err := cli.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got2.Kind != TaskList || len(got2.Tasks) != 2 || got2.Tasks[0] != "a" {
		t.Fatalf("got %+v", got2)
	}
}

func TestReadFrameCleanClose(t *testing.T) {
	server, client := pipePair(t)
	cli := New[ClientCommand, ServerCommand](client)

	go func() {
		time.Sleep(10 * time.Millisecond)
		server.Close()
	}()

	got, err := cli.ReadFrame()
	if err != nil {
		t.Fatalf("expected clean close, got err %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil frame on clean close, got %+v", got)
	}
}

func TestReadFrameMalformed(t *testing.T) {
	server, client := pipePair(t)
	cli := New[ClientCommand, ServerCommand](client)

	go func() {
		// 0xc1 is msgpack's reserved "never used" byte: always malformed.
		server.Write([]byte{0xc1, 0xc1, 0xc1, 0xc1})
	}()

	_, err := cli.ReadFrame()
	if err == nil {
		t.Fatal("expected a decode error")
	}
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecodeError, got %T: %v", err, err)
	}
}

func TestWriteFrameThenClose(t *testing.T) {
	server, client := pipePair(t)
	srv := New[ServerCommand, ClientCommand](server)
	cli := New[ClientCommand, ServerCommand](client)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- srv.WriteFrame(&ClientCommand{Kind: OperationOk})
		server.Close()
	}()

	got, err := cli.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Kind != OperationOk {
		t.Fatalf("got %+v", got)
	}
	if err := <-writeErr; err != nil {
		t.Fatal(err)
	}

	// Now the peer is fully closed on a frame boundary.
	got2, err := cli.ReadFrame()
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if got2 != nil {
		t.Fatalf("expected nil, got %+v", got2)
	}
}
