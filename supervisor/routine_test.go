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
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"taskmasterd/config"
)

func testProgram(cmd []string) *config.Program {
	return &config.Program{
		Name:        "t",
		Cmd:         cmd,
		NumProcs:    1,
		Umask:       config.DefaultUmask,
		WorkingDir:  "/",
		AutoStart:   true,
		AutoRestart: config.RestartNever,
		ExitCodes:   map[int]struct{}{0: {}},
		StopSignal:  syscall.SIGTERM,
		StopTime:    2,
		Stdout:      os.DevNull,
		Stderr:      os.DevNull,
	}
}

func nextTransition(t *testing.T, ch <-chan Transition) Transition {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a status transition")
		return Transition{}
	}
}

func sendControl(t *testing.T, ch chan<- Control, kind ControlKind) {
	t.Helper()
	ack := make(chan struct{})
	ch <- Control{Kind: kind, Ack: ack}
	select {
	case <-ack:
	case <-time.After(5 * time.Second):
		t.Fatal("control message was never acked")
	}
}

func testLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func TestRoutineRunsToCompletion(t *testing.T) {
	p := testProgram([]string{"sh", "-c", "exit 0"})
	h := Spawn(context.Background(), p, testLogger())

	if _, ok := nextTransition(t, h.Status).Status.(Starting); !ok {
		t.Fatal("expected Starting first")
	}
	if _, ok := nextTransition(t, h.Status).Status.(Running); !ok {
		t.Fatal("expected Running (start_time is 0)")
	}
	exited := nextTransition(t, h.Status)
	ex, ok := exited.Status.(Exited)
	if !ok {
		t.Fatalf("expected Exited, got %#v", exited.Status)
	}
	if ex.State.ExitCode() != 0 {
		t.Errorf("exit code = %d, want 0", ex.State.ExitCode())
	}

	// AutoRestart is Never: the routine should go dormant, not respawn.
	if _, ok := nextTransition(t, h.Status).Status.(NotSpawned); !ok {
		t.Fatal("expected NotSpawned after a Never-restart exit")
	}

	sendControl(t, h.Control, Terminate)
	select {
	case <-h.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("routine did not terminate")
	}
}

func TestRoutineAutoRestartAlways(t *testing.T) {
	p := testProgram([]string{"sh", "-c", "exit 0"})
	p.AutoRestart = config.RestartAlways
	h := Spawn(context.Background(), p, testLogger())

	for i := 0; i < 2; i++ {
		if _, ok := nextTransition(t, h.Status).Status.(Starting); !ok {
			t.Fatalf("cycle %d: expected Starting", i)
		}
		if _, ok := nextTransition(t, h.Status).Status.(Running); !ok {
			t.Fatalf("cycle %d: expected Running", i)
		}
		if _, ok := nextTransition(t, h.Status).Status.(Exited); !ok {
			t.Fatalf("cycle %d: expected Exited", i)
		}
	}

	sendControl(t, h.Control, Terminate)
	select {
	case <-h.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("routine did not terminate")
	}
}

func TestRoutineStartRetriesExhausted(t *testing.T) {
	p := testProgram([]string{"sh", "-c", "exit 1"})
	p.StartTime = 1
	p.StartRetries = 2

	h := Spawn(context.Background(), p, testLogger())

	// First attempt, plus StartRetries (2) retries: three total.
	for i := 0; i < 3; i++ {
		if _, ok := nextTransition(t, h.Status).Status.(Starting); !ok {
			t.Fatalf("attempt %d: expected Starting", i)
		}
		tr := nextTransition(t, h.Status)
		es, ok := tr.Status.(ErrorDuringStartup)
		if !ok {
			t.Fatalf("attempt %d: expected ErrorDuringStartup, got %#v", i, tr.Status)
		}
		if es.ExitCode != 1 {
			t.Errorf("attempt %d: exit code = %d, want 1", i, es.ExitCode)
		}
	}

	if _, ok := nextTransition(t, h.Status).Status.(NotSpawned); !ok {
		t.Fatal("expected NotSpawned once start_retries is exhausted")
	}

	sendControl(t, h.Control, Terminate)
	<-h.Done
}

func TestRoutineStopDuringRunning(t *testing.T) {
	p := testProgram([]string{"sh", "-c", "sleep 30"})

	h := Spawn(context.Background(), p, testLogger())

	nextTransition(t, h.Status) // Starting
	nextTransition(t, h.Status) // Running

	sendControl(t, h.Control, Stop)

	tr := nextTransition(t, h.Status)
	if _, ok := tr.Status.(Exited); !ok {
		t.Fatalf("expected Exited after Stop, got %#v", tr.Status)
	}
	if _, ok := nextTransition(t, h.Status).Status.(NotSpawned); !ok {
		t.Fatal("expected NotSpawned after an explicit Stop")
	}

	sendControl(t, h.Control, Terminate)
	<-h.Done
}

func TestRoutineExplicitRestartOverridesPolicy(t *testing.T) {
	// AutoRestart is Never (testProgram's default): an explicit Restart
	// must still respawn the task, per spec.md §4.3 ("regardless of
	// restart policy"), not leave it dormant the way a bare exit would.
	p := testProgram([]string{"sh", "-c", "sleep 30"})

	h := Spawn(context.Background(), p, testLogger())

	nextTransition(t, h.Status) // Starting
	nextTransition(t, h.Status) // Running

	sendControl(t, h.Control, Restart)

	tr := nextTransition(t, h.Status)
	if _, ok := tr.Status.(Exited); !ok {
		t.Fatalf("expected Exited after Restart, got %#v", tr.Status)
	}
	if _, ok := nextTransition(t, h.Status).Status.(Starting); !ok {
		t.Fatal("expected a fresh Starting after Restart, despite auto_restart=never")
	}
	if _, ok := nextTransition(t, h.Status).Status.(Running); !ok {
		t.Fatal("expected Running for the restarted attempt")
	}

	sendControl(t, h.Control, Terminate)
	tr = nextTransition(t, h.Status)
	if _, ok := tr.Status.(Exited); !ok {
		t.Fatalf("expected Exited after Terminate, got %#v", tr.Status)
	}
	<-h.Done
}

func TestRoutineNotAutoStartAwaitsKick(t *testing.T) {
	p := testProgram([]string{"sh", "-c", "exit 0"})
	p.AutoStart = false

	h := Spawn(context.Background(), p, testLogger())

	if _, ok := nextTransition(t, h.Status).Status.(NotSpawned); !ok {
		t.Fatal("expected NotSpawned before any kick")
	}

	sendControl(t, h.Control, Start)

	if _, ok := nextTransition(t, h.Status).Status.(Starting); !ok {
		t.Fatal("expected Starting after an explicit Start")
	}
	nextTransition(t, h.Status) // Running
	nextTransition(t, h.Status) // Exited
	nextTransition(t, h.Status) // NotSpawned

	sendControl(t, h.Control, Terminate)
	<-h.Done
}
