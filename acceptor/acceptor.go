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

// Package acceptor owns the daemon's listening socket and the accept
// loop that hands each new connection to package session (spec.md §5).
package acceptor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudflare/tableflip"
	"github.com/hashicorp/go-hclog"

	"taskmasterd/session"
)

// Acceptor wraps a tableflip.Upgrader so that an operator can replace
// the running binary (SIGHUP to the upgrader's PID file process) and
// have the new process take over the listening socket without
// dropping a single pending connection.
type Acceptor struct {
	upg    *tableflip.Upgrader
	ln     net.Listener
	logger hclog.Logger
}

// New constructs an Acceptor. pidFile is where tableflip records the
// current generation's pid, used to target the upgrade signal. New
// also starts a SIGHUP handler that triggers the upgrade.
func New(pidFile string, logger hclog.Logger) (*Acceptor, error) {
	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return nil, fmt.Errorf("acceptor: tableflip: %w", err)
	}
	go func() {
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		for range sighup {
			if err := upg.Upgrade(); err != nil {
				logger.Warn("upgrade failed", "error", err)
			}
		}
	}()
	return &Acceptor{upg: upg, logger: logger}, nil
}

// Listen binds addr (inherited from the parent generation across an
// upgrade, if any) and signals the upgrader that this generation is
// ready to serve.
func (a *Acceptor) Listen(addr string) error {
	ln, err := a.upg.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}
	a.ln = ln
	if err := a.upg.Ready(); err != nil {
		return fmt.Errorf("acceptor: ready: %w", err)
	}
	return nil
}

// Serve accepts connections until Accept fails (as it does once Close
// has closed the listener), handing each one to session.Serve on its
// own goroutine. Canceling ctx does not by itself unblock Accept; an
// accept error seen after ctx is canceled is not logged.
func (a *Acceptor) Serve(ctx context.Context, mgr session.Manager) {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			a.logger.Warn("accept error", "error", err)
			return
		}
		go session.Serve(ctx, conn, mgr, a.logger)
	}
}

// WaitForUpgrade reports when a new generation has taken over the
// listening socket and this one should exit.
func (a *Acceptor) WaitForUpgrade() <-chan struct{} {
	return a.upg.Exit()
}

// Stop tells the upgrader this generation is shutting down.
func (a *Acceptor) Stop() {
	a.upg.Stop()
}

// Close closes the listening socket.
func (a *Acceptor) Close() error {
	if a.ln == nil {
		return nil
	}
	return a.ln.Close()
}
