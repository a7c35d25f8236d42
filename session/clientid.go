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

// Package session drives one client connection: the greeting, the
// read-dispatch-write loop against package tasks, and malformed-frame
// handling (spec.md §4.1, §4.6).
package session

import (
	"net"
	"syscall"
)

// rawConn is implemented by *net.TCPConn and *net.UnixConn, not by
// net.Pipe's in-memory conn, which is why ClientID degrades to -1
// instead of panicking when given one (as in tests).
type rawConn interface {
	SyscallConn() (syscall.RawConn, error)
}

// ClientID returns the file descriptor backing conn, used only to
// give log lines a stable per-connection identifier, the same role
// the teacher's usock.Fd helper plays for its unix-socket connections.
// It returns -1 for a conn with no underlying fd.
func ClientID(conn net.Conn) int {
	rc, ok := conn.(rawConn)
	if !ok {
		return -1
	}
	syscallConn, err := rc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	syscallConn.Control(func(f uintptr) {
		fd = int(f)
	})
	return fd
}
