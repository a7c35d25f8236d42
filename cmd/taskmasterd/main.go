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

// Command taskmasterd is the supervisor daemon: it loads a task
// configuration file, spawns every auto_start task, and serves client
// requests over TCP (spec.md §1, §4, §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-hclog"

	"taskmasterd/acceptor"
	"taskmasterd/config"
	"taskmasterd/configwatch"
	"taskmasterd/tasks"
)

const (
	defaultPort       = 4444
	defaultConfigPath = "taskmaster.yaml"
	shutdownGrace     = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the task configuration file")
	watchConfig := flag.Bool("watch", false, "reload configuration automatically when the config file changes")
	pidFile := flag.String("pid-file", "taskmasterd.pid", "path tableflip uses to track the running generation")
	flag.Parse()

	port := defaultPort
	if args := flag.Args(); len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil || p <= 0 || p > 65535 {
			fmt.Fprintf(os.Stderr, "taskmasterd: invalid port %q\n", args[0])
			os.Exit(1)
		}
		port = p
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "taskmasterd",
		Level: hclog.Info,
	})

	if err := run(*configPath, *pidFile, port, *watchConfig, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// run wires the daemon together. Shutdown uses two separate contexts
// on purpose: killCtx is what every supervisor.routine joins against
// its own stop_time deadline (see supervisor/routine.go's stopChild),
// so it must stay live for the full per-task grace period — canceling
// it is the immediate-SIGKILL escalation, not the start of shutdown.
// serveCtx only governs the accept loop and client sessions and can be
// canceled as soon as new connections should stop being served.
func run(configPath, pidFile string, port int, watchConfig bool, logger hclog.Logger) error {
	programs, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	killCtx, killCancel := context.WithCancel(context.Background())
	defer killCancel()

	mgr := tasks.New(killCtx, configPath, programs, logger)

	acc, err := acceptor.New(pidFile, logger)
	if err != nil {
		return fmt.Errorf("creating acceptor: %w", err)
	}
	addr := fmt.Sprintf(":%d", port)
	if err := acc.Listen(addr); err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	if watchConfig {
		if err := configwatch.Watch(killCtx, configPath, mgr, logger); err != nil {
			logger.Warn("config watch disabled", "error", err)
		}
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	} else if ok {
		logger.Info("notified systemd readiness")
	}
	logger.Info("listening", "addr", addr, "config", configPath, "programs", len(programs))

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()
	go acc.Serve(serveCtx, mgr)

	select {
	case s := <-sig:
		logger.Info("received signal, shutting down", "signal", s)
	case <-acc.WaitForUpgrade():
		logger.Info("replaced by a new generation, shutting down")
	case <-mgr.Done():
		// Already fully retired, e.g. via a client-issued stop_daemon.
		acc.Stop()
		acc.Close()
		serveCancel()
		return nil
	}

	acc.Stop()
	acc.Close()
	serveCancel()

	// Ask every task to retire via its own stop_signal/stop_time,
	// concurrently across tasks (spec.md §5, §9), without touching
	// killCtx yet so that bounded wait is actually honored.
	retired := make(chan struct{})
	go func() {
		mgr.Stop()
		close(retired)
	}()

	select {
	case <-retired:
	case s := <-sig:
		logger.Warn("second signal received, forcing immediate shutdown", "signal", s)
	case <-time.After(shutdownGrace):
		logger.Warn("shutdown grace period elapsed before every task exited")
	}
	killCancel() // escalates any still-running stop to SIGKILL immediately
	<-mgr.Done()
	return nil
}
