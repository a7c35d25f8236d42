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
	"context"

	"github.com/hashicorp/go-hclog"

	"taskmasterd/config"
)

// Handle is what package tasks holds for each running routine: the
// channels it needs to observe the routine's state and output, and to
// control it. One Handle corresponds to one goroutine spawned by
// Spawn.
type Handle struct {
	Status  <-chan Transition
	Logs    <-chan LogRecord
	Control chan<- Control
	Done    <-chan struct{}
}

// Spawn starts a routine goroutine supervising program and returns a
// Handle for it. The routine begins in NotSpawned if program.AutoStart
// is false, awaiting a Start/Restart control message, or attempts its
// first spawn immediately otherwise.
//
// shutdownCtx bounds every stop_time grace period the routine ever
// waits out: canceling it (daemon shutdown) makes a pending Stop/
// Restart/terminate escalate to SIGKILL immediately instead of waiting
// the full stop_time, the same way the teacher's tenant manager ties
// its own Kill path to the process's run context.
func Spawn(shutdownCtx context.Context, program *config.Program, logger hclog.Logger) *Handle {
	statusCh := make(chan Transition, 16)
	logCh := make(chan LogRecord, 256)
	controlCh := make(chan Control)
	done := make(chan struct{})

	r := &routine{
		program:     program,
		logger:      logger.With("task", program.Name),
		statusCh:    statusCh,
		logCh:       logCh,
		controlCh:   controlCh,
		shutdownCtx: shutdownCtx,
	}
	go r.run(done)

	return &Handle{Status: statusCh, Logs: logCh, Control: controlCh, Done: done}
}
