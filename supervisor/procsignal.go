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
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup sends sig to the whole process group led by pid, so that
// a task which has forked helpers of its own (a shell wrapping a real
// binary, say) receives the same signal its children do. pid was
// spawned with Setpgid, so -pid addresses exactly that group.
//
// ESRCH (the group is already gone) is not an error here: Stop racing
// the child's own exit is the common case, not a fault.
func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
