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

// Package config describes a Program: the immutable, validated
// per-task configuration value, its defaults, and the YAML schema it
// is loaded from.
package config

import (
	"fmt"
	"syscall"
)

// AutoRestart selects when a routine restarts a task after it exits.
type AutoRestart int

const (
	// RestartNever means the task is never restarted once it has
	// started properly.
	RestartNever AutoRestart = iota
	// RestartAlways means the task is always restarted, regardless
	// of exit status, once it has started properly.
	RestartAlways
	// RestartOnUnexpectedExit restarts the task only if its exit
	// status is not among its ExitCodes.
	RestartOnUnexpectedExit
)

func (a AutoRestart) String() string {
	switch a {
	case RestartAlways:
		return "always"
	case RestartOnUnexpectedExit:
		return "unexpected"
	default:
		return "never"
	}
}

const (
	// DefaultUmask is applied when a program body omits "umask".
	DefaultUmask = 0o666
	// DefaultWorkingDir is applied when a program body omits "working_dir".
	DefaultWorkingDir = "/"
	// DefaultOutput is applied when a program body omits "stdout"/"stderr".
	DefaultOutput = "/dev/null"
)

// Program is the immutable, validated description of one task, as
// defined in spec.md §3. Values are produced only by Load/parseProgram
// and are never mutated afterward.
type Program struct {
	Name string

	// Cmd is the already shell-split argv vector; Cmd[0] is the
	// executable name/path.
	Cmd []string

	NumProcs int
	Umask    uint32

	WorkingDir string
	AutoStart  bool
	AutoRestart AutoRestart

	// ExitCodes is the set of exit codes (0-255) that are considered
	// an "expected" exit for RestartOnUnexpectedExit purposes.
	ExitCodes map[int]struct{}

	StartRetries int
	StartTime    int // seconds
	StopSignal   syscall.Signal
	StopTime     int // seconds

	Stdout string
	Stderr string

	ClearEnv bool
	Env      map[string]string
}

// Equal reports whether two Programs are structurally identical. It is
// not called anywhere in this module; reload compares programs via
// the cheaper content hash in package tasks (see tasks.structuralHash),
// which is built from the same fields this method compares.
func (p *Program) Equal(o *Program) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Name != o.Name || p.NumProcs != o.NumProcs || p.Umask != o.Umask ||
		p.WorkingDir != o.WorkingDir || p.AutoStart != o.AutoStart ||
		p.AutoRestart != o.AutoRestart || p.StartRetries != o.StartRetries ||
		p.StartTime != o.StartTime || p.StopSignal != o.StopSignal ||
		p.StopTime != o.StopTime || p.Stdout != o.Stdout || p.Stderr != o.Stderr ||
		p.ClearEnv != o.ClearEnv {
		return false
	}
	if len(p.Cmd) != len(o.Cmd) {
		return false
	}
	for i := range p.Cmd {
		if p.Cmd[i] != o.Cmd[i] {
			return false
		}
	}
	if len(p.ExitCodes) != len(o.ExitCodes) {
		return false
	}
	for code := range p.ExitCodes {
		if _, ok := o.ExitCodes[code]; !ok {
			return false
		}
	}
	if len(p.Env) != len(o.Env) {
		return false
	}
	for k, v := range p.Env {
		if o.Env[k] != v {
			return false
		}
	}
	return true
}

// CmdString renders Cmd back into a single shell-ish command string,
// used only for diagnostics (ListTasks formatting, log lines).
func (p *Program) CmdString() string {
	s := ""
	for i, part := range p.Cmd {
		if i > 0 {
			s += " "
		}
		s += part
	}
	return s
}

// ExitCodeExpected reports whether code is among the program's
// configured ExitCodes (default {0}).
func (p *Program) ExitCodeExpected(code int) bool {
	_, ok := p.ExitCodes[code]
	return ok
}

// ValidationError reports a single problem found while validating a
// parsedProgram into a Program.
type ValidationError struct {
	Program string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("program %q: %s", e.Program, e.Reason)
}
