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

package session

import (
	"context"
	"errors"
	"net"

	"github.com/hashicorp/go-hclog"

	"taskmasterd/frame"
)

// Manager is the subset of *tasks.Manager a session needs: submit one
// command, get one reply. Parameterizing Serve by this interface
// rather than the concrete type (spec.md §9 Design Notes: "a
// trait/interface with methods list_tasks/start/stop/…, so the session
// is parameterized by this interface") keeps the session loop testable
// against a fake without a real tasks.Manager/supervisor tree.
type Manager interface {
	Submit(ctx context.Context, cmd frame.ServerCommand) (frame.ClientCommand, error)
}

// Serve owns one client connection end to end: it sends the greeting,
// then loops reading a ServerCommand, submitting it to mgr, and
// writing back the ClientCommand reply, until the client disconnects,
// sends a malformed frame, or issues stop_daemon. It always closes
// conn before returning.
func Serve(ctx context.Context, conn net.Conn, mgr Manager, logger hclog.Logger) {
	defer conn.Close()

	id := ClientID(conn)
	log := logger.With("client", id)
	log.Info("client connected")
	defer log.Info("client disconnected")

	ch := frame.New[frame.ServerCommand, frame.ClientCommand](conn)
	if err := ch.WriteFrame(&frame.ClientCommand{Kind: frame.SuccessfulConnection}); err != nil {
		log.Warn("failed to send greeting", "error", err)
		return
	}

	for {
		cmd, err := ch.ReadFrame()
		if err != nil {
			var decErr *frame.DecodeError
			if errors.As(err, &decErr) {
				log.Warn("received a malformed frame", "error", err)
				ch.WriteFrame(&frame.ClientCommand{Kind: frame.FailedToParseFrame, Reason: err.Error()})
			} else {
				log.Warn("connection error", "error", err)
			}
			return
		}
		if cmd == nil {
			return
		}

		log.Info("command", "kind", cmd.Kind, "name", cmd.Name)
		reply, err := mgr.Submit(ctx, *cmd)
		if err != nil {
			log.Warn("failed to submit command", "error", err)
			return
		}
		if err := ch.WriteFrame(&reply); err != nil {
			log.Warn("failed to write reply", "error", err)
			return
		}
		if cmd.Kind == frame.StopDaemon {
			return
		}
	}
}
