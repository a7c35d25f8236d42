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

// Package tasks owns the single-goroutine actor that holds the live
// registry of supervision routines: it is the only thing that ever
// reads or writes that registry, so every other package reaches it
// only by sending a Request and waiting for a reply (spec.md §4.4,
// §4.5's Design Notes section, which mandates this actor shape over
// the teacher's mutex-guarded map).
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"taskmasterd/config"
	"taskmasterd/frame"
	"taskmasterd/supervisor"
)

// Request is one client-issued command, paired with the channel its
// reply must be delivered on. Reply is buffered by 1 so the actor (or
// a helper goroutine it spawns) never blocks sending it.
type Request struct {
	Command frame.ServerCommand
	Reply   chan frame.ClientCommand
}

// entry is everything the manager tracks about one live routine.
type entry struct {
	key     string
	program *config.Program
	index   int
	handle  *supervisor.Handle
	pid     int
	status  supervisor.Status
}

// Manager is the task-registry actor. Construct one with New; it
// starts its own goroutine and is driven thereafter only through
// Submit.
type Manager struct {
	logger      hclog.Logger
	cfgPath     string
	shutdownCtx context.Context

	inbox  chan Request
	events chan any
	stopCh chan struct{}
	done   chan struct{}

	programs map[string]*config.Program
	routines map[string]*entry
}

// New loads no configuration itself — programs is the already-loaded
// initial set — and starts every auto_start task immediately, the same
// way the daemon's boot sequence does (spec.md §4.2).
func New(shutdownCtx context.Context, cfgPath string, programs []*config.Program, logger hclog.Logger) *Manager {
	m := &Manager{
		logger:      logger.Named("tasks"),
		cfgPath:     cfgPath,
		shutdownCtx: shutdownCtx,
		inbox:       make(chan Request),
		events:      make(chan any, 256),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		programs:    make(map[string]*config.Program, len(programs)),
		routines:    make(map[string]*entry),
	}
	for _, p := range programs {
		m.programs[p.Name] = p
		m.installProgram(p)
	}
	go m.run()
	return m
}

// Submit hands a ServerCommand to the actor and waits for its reply,
// or for ctx to be canceled first.
func (m *Manager) Submit(ctx context.Context, cmd frame.ServerCommand) (frame.ClientCommand, error) {
	req := Request{Command: cmd, Reply: make(chan frame.ClientCommand, 1)}
	select {
	case m.inbox <- req:
	case <-ctx.Done():
		return frame.ClientCommand{}, ctx.Err()
	case <-m.done:
		return frame.ClientCommand{}, fmt.Errorf("tasks: manager has shut down")
	}
	select {
	case reply := <-req.Reply:
		return reply, nil
	case <-ctx.Done():
		return frame.ClientCommand{}, ctx.Err()
	}
}

// Done is closed once the manager's actor goroutine has fully
// retired every routine and returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Stop requests a graceful shutdown of every routine, equivalent to a
// client-issued StopDaemon, and blocks until it completes.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case req := <-m.inbox:
			m.handleCommand(req)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.stopCh:
			m.retireAll()
			return
		case <-m.shutdownCtx.Done():
			m.retireAll()
			return
		}
	}
}

func (m *Manager) handleCommand(req Request) {
	switch req.Command.Kind {
	case frame.ListTasks:
		req.Reply <- frame.ClientCommand{Kind: frame.TaskList, Tasks: m.listTasksLines()}
	case frame.StartProgram:
		m.dispatch(req, supervisor.Start)
	case frame.StopProgram:
		m.dispatch(req, supervisor.Stop)
	case frame.RestartProgram:
		m.dispatch(req, supervisor.Restart)
	case frame.ReloadConfigFile:
		m.reload(req)
	case frame.StopDaemon:
		req.Reply <- frame.ClientCommand{Kind: frame.OperationOk}
		select {
		case <-m.stopCh:
		default:
			close(m.stopCh)
		}
	default:
		req.Reply <- frame.ClientCommand{Kind: frame.OperationFailed, Reason: "unrecognized command"}
	}
}

// dispatch fans a Start/Stop/Restart control out to every replica of
// the named program, off the actor goroutine, and replies once every
// replica has acked — so a slow stop_time wait on one task never
// blocks the actor from servicing other clients in the meantime.
func (m *Manager) dispatch(req Request, kind supervisor.ControlKind) {
	name := req.Command.Name
	var matches []*entry
	for _, e := range m.routines {
		if e.program.Name == name {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		req.Reply <- frame.ClientCommand{Kind: frame.OperationFailed, Reason: fmt.Sprintf("no such task: %s", name)}
		return
	}

	go func() {
		var wg sync.WaitGroup
		for _, e := range matches {
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				sendControl(e.handle, kind)
			}(e)
		}
		wg.Wait()
		req.Reply <- frame.ClientCommand{Kind: frame.OperationOk}
	}()
}

// sendControl delivers one control message to a routine and waits for
// it to be acted on, giving up early only if the routine has already
// exited entirely.
func sendControl(h *supervisor.Handle, kind supervisor.ControlKind) {
	ack := make(chan struct{})
	select {
	case h.Control <- supervisor.Control{Kind: kind, Ack: ack}:
	case <-h.Done:
		return
	}
	select {
	case <-ack:
	case <-h.Done:
	}
}

func (m *Manager) listTasksLines() []string {
	names := make([]string, 0, len(m.programs))
	for name := range m.programs {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		p := m.programs[name]
		var pids []int
		for i := 0; i < p.NumProcs; i++ {
			e, ok := m.routines[taskKey(name, i, p.NumProcs)]
			if !ok {
				continue
			}
			if _, running := e.status.(supervisor.Running); running && e.pid != 0 {
				pids = append(pids, e.pid)
			}
		}
		sort.Ints(pids)
		lines = append(lines, formatTaskLine(name, p.CmdString(), pids, p.Umask))
	}
	return lines
}

// installProgram spawns NumProcs routines for p and starts forwarding
// their status/log channels into the actor's event loop.
func (m *Manager) installProgram(p *config.Program) {
	for i := 0; i < p.NumProcs; i++ {
		key := taskKey(p.Name, i, p.NumProcs)
		handle := supervisor.Spawn(m.shutdownCtx, p, m.logger)
		m.routines[key] = &entry{key: key, program: p, index: i, handle: handle, status: supervisor.NotSpawned{}}
		go forwardStatus(m.events, key, handle)
		go forwardLogs(m.events, key, handle)
	}
}

// retireAll terminates every live routine and waits for each to fully
// exit before returning, so Stop/shutdownCtx cancellation never leaves
// an orphaned child behind.
func (m *Manager) retireAll() {
	var wg sync.WaitGroup
	for _, e := range m.routines {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			sendControl(e.handle, supervisor.Terminate)
			<-e.handle.Done
		}(e)
	}
	wg.Wait()
}

func taskKey(name string, index, numProcs int) string {
	if numProcs <= 1 {
		return name
	}
	return fmt.Sprintf("%s#%d", name, index)
}
