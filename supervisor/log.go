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

package supervisor

// Stream identifies which of the child's output streams a LogRecord
// came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LogRecord is one chunk of output captured from a child process
// (spec.md §4.4). The routine also writes the same bytes to the
// program's configured Stdout/Stderr file; LogRecord is the copy
// handed to the tasks manager for anything that wants a live tail
// (the daemon does not currently expose one over the wire: the
// manager receives each record and discards it).
type LogRecord struct {
	Program string
	Stream  Stream
	Line    []byte
}
