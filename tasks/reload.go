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
	"sync"

	"github.com/google/uuid"

	"taskmasterd/config"
	"taskmasterd/frame"
	"taskmasterd/supervisor"
)

// reload reloads the config file, diffs it against the currently
// installed programs, and applies the difference: removed programs
// are retired, added programs are installed fresh, and programs whose
// body changed at all are retired and reinstalled rather than patched
// in place (spec.md §4.5 — reload decides on a structural replace, not
// a field-by-field one). Programs added or replaced by a reload are
// subject to the same auto_start gating as any program is at boot.
func (m *Manager) reload(req Request) {
	newPrograms, err := config.Load(m.cfgPath)
	if err != nil {
		req.Reply <- frame.ClientCommand{Kind: frame.OperationFailed, Reason: err.Error()}
		return
	}

	newByName := make(map[string]*config.Program, len(newPrograms))
	for _, p := range newPrograms {
		newByName[p.Name] = p
	}

	removed, added, kept := diffNames(m.programs, newByName)
	var changed []string
	for _, name := range kept {
		if structuralHash(m.programs[name]) != structuralHash(newByName[name]) {
			changed = append(changed, name)
		}
	}

	reloadID := uuid.New().String()
	m.logger.Info("reloading configuration",
		"reload_id", reloadID,
		"added", len(added), "removed", len(removed), "changed", len(changed))

	for _, name := range removed {
		m.retireProgram(name)
	}
	for _, name := range changed {
		m.replaceProgram(name, newByName[name])
	}
	for _, name := range added {
		m.installProgram(newByName[name])
	}

	m.programs = newByName
	req.Reply <- frame.ClientCommand{Kind: frame.OperationOk}
}

// retireProgram terminates every live replica of name, asynchronously,
// removing each from the registry (via a routineRemoved event back to
// the actor) only once it has fully exited.
func (m *Manager) retireProgram(name string) {
	for _, e := range m.matchingEntries(name) {
		e := e
		go func() {
			sendControl(e.handle, supervisor.Terminate)
			<-e.handle.Done
			m.events <- routineRemoved{key: e.key}
		}()
	}
}

// replaceProgram retires every live replica of name and, once all of
// them have fully exited, spawns newProgram's replicas fresh. The
// respawn waits for the retirement to finish so a changed umask,
// working directory, or environment can never be observed by a
// leftover routine still running under the old Program value.
func (m *Manager) replaceProgram(name string, newProgram *config.Program) {
	matches := m.matchingEntries(name)
	go func() {
		var wg sync.WaitGroup
		for _, e := range matches {
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				sendControl(e.handle, supervisor.Terminate)
				<-e.handle.Done
				m.events <- routineRemoved{key: e.key}
			}(e)
		}
		wg.Wait()

		for i := 0; i < newProgram.NumProcs; i++ {
			key := taskKey(newProgram.Name, i, newProgram.NumProcs)
			handle := supervisor.Spawn(m.shutdownCtx, newProgram, m.logger)
			m.events <- routineAdded{key: key, program: newProgram, index: i, handle: handle}
		}
	}()
}

// matchingEntries must be called from the actor goroutine: it reads
// m.routines directly. The returned slice is safe to hand to another
// goroutine afterward, since nothing but entry.status/entry.pid ever
// mutates after an entry is created, and callers here only read
// entry.handle/entry.key.
func (m *Manager) matchingEntries(name string) []*entry {
	var matches []*entry
	for _, e := range m.routines {
		if e.program.Name == name {
			matches = append(matches, e)
		}
	}
	return matches
}
