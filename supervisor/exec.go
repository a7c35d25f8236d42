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
	"os"
	"os/exec"
	"syscall"

	"taskmasterd/config"
)

// buildCommand turns a Program into an *exec.Cmd ready to Start, with
// its own process group (so the routine can signal the whole group on
// Stop, reaching children the task itself forked) and the configured
// umask, working directory, and environment.
func buildCommand(p *config.Program) *exec.Cmd {
	cmd := exec.Command(p.Cmd[0], p.Cmd[1:]...)
	cmd.Dir = p.WorkingDir
	cmd.Env = buildEnv(p)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Umask:   int(p.Umask),
	}
	return cmd
}

// buildEnv computes the child's environment: either the host's
// environment (with the program's Env entries layered on top), or, if
// ClearEnv is set, only the program's own Env entries.
func buildEnv(p *config.Program) []string {
	var env []string
	if !p.ClearEnv {
		env = append(env, os.Environ()...)
	}
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	return env
}
