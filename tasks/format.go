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

package tasks

import (
	"fmt"
	"strings"
)

// formatTaskLine renders one list_tasks row: a 15-wide left-aligned
// name, a 50-wide left-aligned command, the live pids centered in a
// 15-wide field, and the umask right-aligned in octal, 10 wide. This
// reproduces, field for field, the column layout the original
// taskmaster's Display impl for a task produced.
func formatTaskLine(name, cmd string, pids []int, umask uint32) string {
	return fmt.Sprintf("%-15s%-50s%s%10o", name, cmd, centerPad(formatPidList(pids), 15), umask)
}

func formatPidList(pids []int) string {
	parts := make([]string, len(pids))
	for i, pid := range pids {
		parts[i] = fmt.Sprintf("%d", pid)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func centerPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	total := width - len(s)
	left := total / 2
	right := total - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}
