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

// Package frame implements the length-observed, self-describing
// binary frame channel that client sessions and the daemon speak over
// TCP (spec.md §4.1, §6).
package frame

// ServerCommandKind enumerates the server-bound message variants
// (spec.md §6).
type ServerCommandKind string

const (
	ListTasks        ServerCommandKind = "list_tasks"
	StartProgram     ServerCommandKind = "start_program"
	StopProgram      ServerCommandKind = "stop_program"
	RestartProgram   ServerCommandKind = "restart_program"
	ReloadConfigFile ServerCommandKind = "reload_config_file"
	StopDaemon       ServerCommandKind = "stop_daemon"
)

// ServerCommand is a request sent by a client to the daemon.
type ServerCommand struct {
	Kind ServerCommandKind `msgpack:"kind"`
	Name string            `msgpack:"name,omitempty"`
}

// ClientCommandKind enumerates the client-bound message variants
// (spec.md §6).
type ClientCommandKind string

const (
	SuccessfulConnection ClientCommandKind = "successful_connection"
	FailedToParseFrame   ClientCommandKind = "failed_to_parse_frame"
	TaskList             ClientCommandKind = "task_list"
	OperationOk          ClientCommandKind = "operation_ok"
	OperationFailed      ClientCommandKind = "operation_failed"
)

// ClientCommand is a reply sent by the daemon to a client.
type ClientCommand struct {
	Kind   ClientCommandKind `msgpack:"kind"`
	Tasks  []string          `msgpack:"tasks,omitempty"`
	Reason string            `msgpack:"reason,omitempty"`
}
