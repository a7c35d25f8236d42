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
	"time"

	"github.com/LK4D4/joincontext"
	"github.com/hashicorp/go-hclog"

	"taskmasterd/config"
)

// verdict is what decideRestart (and the control-driven paths in
// runChild) tells the run loop to do once one spawn attempt has fully
// ended.
type verdict int

const (
	// verdictRestart spawns the program again immediately.
	verdictRestart verdict = iota
	// verdictDormant returns the routine to NotSpawned, awaiting a
	// Start or Restart control message.
	verdictDormant
	// verdictTerminate retires the routine goroutine entirely.
	verdictTerminate
)

// routine is the live state behind one Handle. Exactly one goroutine
// (run) ever touches its non-channel fields; everything else reaches
// it only through statusCh/logCh/controlCh.
type routine struct {
	program *config.Program
	logger  hclog.Logger

	statusCh  chan<- Transition
	logCh     chan<- LogRecord
	controlCh <-chan Control

	// shutdownCtx bounds every stop_time wait; see Spawn.
	shutdownCtx context.Context

	outFile, errFile *os.File

	// attemptCount counts consecutive startup failures (ErrorDuringStartup
	// or FailedToSpawn); it resets to 0 on any attempt that starts
	// properly. It implements StartRetries (spec.md §4.3): a program
	// gets StartRetries retries in addition to its first attempt.
	attemptCount int

	// stickyStop is set when the most recent control message to
	// interrupt a running child was an explicit Stop, as opposed to a
	// Restart: it overrides AutoRestart and sends the routine dormant
	// instead of respawning.
	stickyStop bool

	// restartRequested is set when the most recent control message to
	// interrupt a running (or starting) child was an explicit Restart.
	// Per spec.md §4.3, Restart always re-enters the state machine at
	// NotSpawned regardless of AutoRestart, so decideRestart consults
	// this before anything else.
	restartRequested bool
}

// run is the routine's entire goroutine body: open the log files once
// for the routine's lifetime, then alternate between waiting for a
// kick (if the program isn't auto_start, or the previous attempt ended
// in an explicit Stop) and running attempts until one of them asks for
// termination.
func (r *routine) run(done chan struct{}) {
	defer close(done)
	defer r.closeLogFiles()

	if err := r.openLogFiles(); err != nil {
		r.publish(FailedToSpawn{Cause: err}, 0)
		return
	}

	needKick := !r.program.AutoStart
	for {
		if needKick {
			if !r.awaitKick() {
				return
			}
		}
		switch r.attempt() {
		case verdictRestart:
			needKick = false
		case verdictDormant:
			needKick = true
		case verdictTerminate:
			return
		}
	}
}

// awaitKick parks the routine in NotSpawned until a Start or Restart
// control message arrives. It reports false if the routine should
// terminate entirely while still dormant.
func (r *routine) awaitKick() bool {
	r.publish(NotSpawned{}, 0)
	for ctrl := range r.controlCh {
		switch ctrl.Kind {
		case Start, Restart:
			r.stickyStop = false
			ctrl.ack()
			return true
		case Terminate:
			ctrl.ack()
			return false
		case Stop:
			// already stopped: no-op
			ctrl.ack()
		}
	}
	return false
}

// attempt spawns the program exactly once, drains its output to
// completion, and reports the verdict for what the run loop should do
// next.
func (r *routine) attempt() verdict {
	cmd := buildCommand(r.program)
	stdout, soErr := cmd.StdoutPipe()
	stderr, seErr := cmd.StderrPipe()
	if soErr != nil || seErr != nil {
		err := soErr
		if err == nil {
			err = seErr
		}
		r.publish(FailedToSpawn{Cause: err}, 0)
		return r.decideRestart(false, 0)
	}

	if err := cmd.Start(); err != nil {
		r.publish(FailedToSpawn{Cause: err}, 0)
		return r.decideRestart(false, 0)
	}

	pid := cmd.Process.Pid
	r.publish(Starting{}, pid)
	r.logger.Info("spawned", "pid", pid, "cmd", r.program.CmdString())

	// cmd.Wait must be called exactly once, by exactly one goroutine,
	// and only after the pipe drain below has reached EOF on both
	// streams: Wait closes the pipes' read ends once the child exits,
	// so calling it any earlier could discard output not yet read. The
	// drain runs from the moment of spawn, so a chatty child can never
	// deadlock against a full pipe buffer.
	drainDone := drainPipes(r.program.Name, stdout, stderr, r.outFile, r.errFile, r.logCh)
	exitCh := make(chan *os.ProcessState, 1)
	go func() {
		<-drainDone
		cmd.Wait()
		exitCh <- cmd.ProcessState
	}()

	startedProperly, state, terminated := r.runChild(pid, exitCh)
	<-drainDone

	code := exitCodeOf(state)
	if !startedProperly {
		r.publish(ErrorDuringStartup{ExitCode: code}, 0)
		r.logger.Warn("exited before startup was confirmed", "pid", pid, "code", code)
	} else {
		r.publish(Exited{State: state}, 0)
		r.logger.Info("exited", "pid", pid, "code", code)
	}

	if terminated {
		return verdictTerminate
	}
	return r.decideRestart(startedProperly, code)
}

// runChild owns one child's lifetime from just after spawn to reap.
// It races the startup-confirmation timer (if StartTime > 0) against
// the child's own exit and against Stop/Restart/terminate control
// requests, driving signal delivery and the stop_time grace period
// whenever a control request arrives.
func (r *routine) runChild(pid int, exitCh chan *os.ProcessState) (startedProperly bool, state *os.ProcessState, terminated bool) {
	var timerC <-chan time.Time
	if r.program.StartTime > 0 {
		timer := time.NewTimer(time.Duration(r.program.StartTime) * time.Second)
		defer timer.Stop()
		timerC = timer.C
	} else {
		startedProperly = true
		r.publish(Running{}, pid)
	}

	for {
		select {
		case <-timerC:
			timerC = nil
			startedProperly = true
			r.publish(Running{}, pid)

		case state = <-exitCh:
			return startedProperly, state, false

		case ctrl := <-r.controlCh:
			switch ctrl.Kind {
			case Start:
				// already running: nothing to do.
				ctrl.ack()
			case Stop, Restart, Terminate:
				r.stickyStop = ctrl.Kind == Stop
				r.restartRequested = ctrl.Kind == Restart
				state = r.stopChild(pid, exitCh)
				ctrl.ack()
				return startedProperly, state, ctrl.Kind == Terminate
			}
		}
	}
}

// stopChild signals pid's whole process group with the program's
// StopSignal, waits up to StopTime for it to exit, and escalates to
// SIGKILL if it hasn't (spec.md §4.3). It always returns the child's
// final *os.ProcessState, blocking as long as necessary to reap it.
func (r *routine) stopChild(pid int, exitCh chan *os.ProcessState) *os.ProcessState {
	if err := signalGroup(pid, r.program.StopSignal); err != nil {
		r.logger.Warn("failed to signal process group", "pid", pid, "error", err)
	}

	// StopTime <= 0 (the default) is a zero-length grace period, not an
	// unbounded wait: stop_time is documented as a hard deadline with
	// SIGKILL on expiry, and a default that can never force-kill a
	// child ignoring stop_signal would be the less natural reading.
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), time.Duration(r.program.StopTime)*time.Second)
	defer cancelGrace()
	waitCtx, cancelJoin := joincontext.Join(r.shutdownCtx, graceCtx)
	defer cancelJoin()

	select {
	case state := <-exitCh:
		return state
	case <-waitCtx.Done():
		r.logger.Warn("stop_time elapsed without exit, sending SIGKILL", "pid", pid)
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			r.logger.Warn("failed to SIGKILL process group", "pid", pid, "error", err)
		}
		return <-exitCh
	}
}

// decideRestart implements the restart policy of spec.md §4.3: an
// explicit Restart always respawns, regardless of AutoRestart; absent
// that, a startup failure gets StartRetries retries in addition to the
// first attempt, regardless of AutoRestart; once a program has started
// properly, AutoRestart alone governs whether a later exit respawns
// it, except that an explicit Stop always overrides AutoRestart.
func (r *routine) decideRestart(startedProperly bool, exitCode int) verdict {
	if r.restartRequested {
		r.restartRequested = false
		r.stickyStop = false
		r.attemptCount = 0
		return verdictRestart
	}

	if r.stickyStop {
		r.attemptCount = 0
		return verdictDormant
	}

	if !startedProperly {
		r.attemptCount++
		if r.attemptCount <= r.program.StartRetries {
			return verdictRestart
		}
		r.attemptCount = 0
		r.logger.Warn("exhausted start_retries", "start_retries", r.program.StartRetries)
		return verdictDormant
	}

	r.attemptCount = 0
	switch r.program.AutoRestart {
	case config.RestartAlways:
		return verdictRestart
	case config.RestartOnUnexpectedExit:
		if r.program.ExitCodeExpected(exitCode) {
			return verdictDormant
		}
		return verdictRestart
	default:
		return verdictDormant
	}
}

// publish sends a status transition, tagging it with pid. It never
// blocks indefinitely: the channel is sized generously (see Spawn) and
// owned exclusively by the tasks-manager forwarder that drains it.
func (r *routine) publish(s Status, pid int) {
	r.statusCh <- Transition{Status: s, Pid: pid}
}

func (r *routine) openLogFiles() error {
	out, err := openOutput(r.program.Stdout)
	if err != nil {
		return err
	}
	errF, err := openOutput(r.program.Stderr)
	if err != nil {
		out.Close()
		return err
	}
	r.outFile, r.errFile = out, errF
	return nil
}

func openOutput(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

func (r *routine) closeLogFiles() {
	if r.outFile != nil {
		r.outFile.Close()
	}
	if r.errFile != nil {
		r.errFile.Close()
	}
}

// exitCodeOf extracts a process's exit code, or -1 if it was killed by
// a signal or state is nil.
func exitCodeOf(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
