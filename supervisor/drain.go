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

import (
	"bufio"
	"io"
	"os"
	"sync"
)

// drainPipes copies stdout and stderr to their respective log files
// and to logCh, concurrently, until both reach EOF (which, since
// neither is ever closed by us, happens only once the child itself
// exits and the kernel closes its ends of the pipes). The returned
// channel is closed once both streams have been fully drained.
//
// Draining is started unconditionally, right after spawn, and the
// routine waits on the child's exit status only once it has finished:
// reading the pipes before, rather than after, the wait is what keeps
// a chatty child from filling its pipe buffer and deadlocking against
// a routine that is blocked in Wait(), and keeps Wait from closing a
// pipe that still holds unread output (spec.md §4.4).
func drainPipes(programName string, stdout, stderr io.Reader, outFile, errFile *os.File, logCh chan<- LogRecord) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go drainOne(programName, Stdout, stdout, outFile, logCh, &wg)
	go drainOne(programName, Stderr, stderr, errFile, logCh, &wg)
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func drainOne(programName string, stream Stream, r io.Reader, file *os.File, logCh chan<- LogRecord, wg *sync.WaitGroup) {
	defer wg.Done()
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if file != nil {
				file.Write(line)
			}
			cp := make([]byte, len(line))
			copy(cp, line)
			logCh <- LogRecord{Program: programName, Stream: stream, Line: cp}
		}
		if err != nil {
			return
		}
	}
}
