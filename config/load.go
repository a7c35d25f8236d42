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

package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// parsedConfig is the raw, pre-validation shape of the config file
// (spec.md §6): a top-level "programs" map from task name to body.
type parsedConfig struct {
	Programs map[string]parsedProgram `yaml:"programs"`
}

// parsedProgram mirrors Program's fields as optionals, so that
// defaulting and validation happen in one place (parseProgram) instead
// of being smeared across zero-value ambiguity.
type parsedProgram struct {
	Cmd         string             `yaml:"cmd"`
	NumProcs    *int               `yaml:"num_procs"`
	Umask       *string            `yaml:"umask"`
	WorkingDir  *string            `yaml:"working_dir"`
	AutoStart   *bool              `yaml:"auto_start"`
	AutoRestart *string            `yaml:"auto_restart"`
	ExitCodes   *[]int             `yaml:"exit_codes"`
	StartRetries *int              `yaml:"start_retries"`
	StartTime   *int               `yaml:"start_time"`
	StopSignal  *string            `yaml:"stop_signal"`
	StopTime    *int               `yaml:"stop_time"`
	Stdout      *string            `yaml:"stdout"`
	Stderr      *string            `yaml:"stderr"`
	ClearEnv    *bool              `yaml:"clear_env"`
	Env         map[string]string  `yaml:"env"`
}

// Load reads and validates the program list at path, per spec.md §4.2
// and §6. Unknown keys anywhere in the document are rejected (strict
// schema) by decoding with KnownFields enabled, matching
// original_source's serde(deny_unknown_fields)-equivalent behavior.
func Load(path string) ([]*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var raw parsedConfig
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	names := make([]string, 0, len(raw.Programs))
	for name := range raw.Programs {
		names = append(names, name)
	}
	sort.Strings(names)

	programs := make([]*Program, 0, len(names))
	for _, name := range names {
		p, err := parseProgram(name, raw.Programs[name])
		if err != nil {
			return nil, err
		}
		programs = append(programs, p)
	}
	return programs, nil
}

func parseProgram(name string, raw parsedProgram) (*Program, error) {
	if name == "" {
		return nil, &ValidationError{Program: name, Reason: "program name must not be empty"}
	}

	argv, err := splitCommand(raw.Cmd)
	if err != nil {
		return nil, &ValidationError{Program: name, Reason: err.Error()}
	}
	if len(argv) == 0 || argv[0] == "" {
		return nil, &ValidationError{Program: name, Reason: "cmd must not be empty"}
	}

	umask := uint32(DefaultUmask)
	if raw.Umask != nil {
		v, err := strconv.ParseUint(*raw.Umask, 8, 32)
		if err != nil {
			return nil, &ValidationError{Program: name, Reason: fmt.Sprintf("invalid umask %q: %s", *raw.Umask, err)}
		}
		if v > 0o777 {
			return nil, &ValidationError{Program: name, Reason: fmt.Sprintf("umask %o exceeds 0o777", v)}
		}
		umask = uint32(v)
	}

	numProcs := 1
	if raw.NumProcs != nil {
		if *raw.NumProcs < 1 {
			return nil, &ValidationError{Program: name, Reason: "num_procs must be >= 1"}
		}
		numProcs = *raw.NumProcs
	}

	workingDir := DefaultWorkingDir
	if raw.WorkingDir != nil {
		workingDir = *raw.WorkingDir
	}

	autoStart := false
	if raw.AutoStart != nil {
		autoStart = *raw.AutoStart
	}

	autoRestart := RestartNever
	if raw.AutoRestart != nil {
		autoRestart, err = parseAutoRestart(*raw.AutoRestart)
		if err != nil {
			return nil, &ValidationError{Program: name, Reason: err.Error()}
		}
	}

	exitCodes := map[int]struct{}{0: {}}
	if raw.ExitCodes != nil {
		exitCodes = make(map[int]struct{}, len(*raw.ExitCodes))
		for _, code := range *raw.ExitCodes {
			if code < 0 || code > 255 {
				return nil, &ValidationError{Program: name, Reason: fmt.Sprintf("exit code %d out of range 0-255", code)}
			}
			exitCodes[code] = struct{}{}
		}
	}

	startRetries := 0
	if raw.StartRetries != nil {
		if *raw.StartRetries < 0 {
			return nil, &ValidationError{Program: name, Reason: "start_retries must be >= 0"}
		}
		startRetries = *raw.StartRetries
	}

	startTime := 0
	if raw.StartTime != nil {
		if *raw.StartTime < 0 {
			return nil, &ValidationError{Program: name, Reason: "start_time must be >= 0"}
		}
		startTime = *raw.StartTime
	}

	stopSignalName := "INT"
	if raw.StopSignal != nil {
		stopSignalName = *raw.StopSignal
	}
	stopSignal, err := ResolveSignal(stopSignalName)
	if err != nil {
		return nil, &ValidationError{Program: name, Reason: err.Error()}
	}

	stopTime := 0
	if raw.StopTime != nil {
		if *raw.StopTime < 0 {
			return nil, &ValidationError{Program: name, Reason: "stop_time must be >= 0"}
		}
		stopTime = *raw.StopTime
	}

	stdout := DefaultOutput
	if raw.Stdout != nil {
		stdout = *raw.Stdout
	}
	stderr := DefaultOutput
	if raw.Stderr != nil {
		stderr = *raw.Stderr
	}

	clearEnv := false
	if raw.ClearEnv != nil {
		clearEnv = *raw.ClearEnv
	}

	env := raw.Env
	if env == nil {
		env = map[string]string{}
	}

	return &Program{
		Name:        name,
		Cmd:         argv,
		NumProcs:    numProcs,
		Umask:       umask,
		WorkingDir:  workingDir,
		AutoStart:   autoStart,
		AutoRestart: autoRestart,
		ExitCodes:   exitCodes,
		StartRetries: startRetries,
		StartTime:   startTime,
		StopSignal:  stopSignal,
		StopTime:    stopTime,
		Stdout:      stdout,
		Stderr:      stderr,
		ClearEnv:    clearEnv,
		Env:         env,
	}, nil
}

func parseAutoRestart(s string) (AutoRestart, error) {
	switch strings.ToLower(s) {
	case "always", "true":
		return RestartAlways, nil
	case "never", "false":
		return RestartNever, nil
	case "unexpected", "onunexpectedexit", "on_unexpected_exit":
		return RestartOnUnexpectedExit, nil
	default:
		return 0, fmt.Errorf("invalid auto_restart value %q", s)
	}
}

// signalTable is the POSIX short-name table, accepted with or without
// the "SIG" prefix (spec.md §6). Names and membership follow
// original_source/taskmaster/src/parser/parsed_program.rs's get_signal.
var signalTable = map[string]syscall.Signal{
	"HUP": syscall.SIGHUP, "INT": syscall.SIGINT, "QUIT": syscall.SIGQUIT,
	"ILL": syscall.SIGILL, "TRAP": syscall.SIGTRAP, "ABRT": syscall.SIGABRT,
	"BUS": syscall.SIGBUS, "FPE": syscall.SIGFPE, "KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1, "SEGV": syscall.SIGSEGV, "USR2": syscall.SIGUSR2,
	"PIPE": syscall.SIGPIPE, "ALRM": syscall.SIGALRM, "TERM": syscall.SIGTERM,
	"CHLD": syscall.SIGCHLD, "CONT": syscall.SIGCONT, "STOP": syscall.SIGSTOP,
	"TSTP": syscall.SIGTSTP, "TTIN": syscall.SIGTTIN, "TTOU": syscall.SIGTTOU,
	"URG": syscall.SIGURG, "XCPU": syscall.SIGXCPU, "XFSZ": syscall.SIGXFSZ,
	"VTALRM": syscall.SIGVTALRM, "PROF": syscall.SIGPROF, "WINCH": syscall.SIGWINCH,
	"IO": syscall.SIGIO, "SYS": syscall.SIGSYS,
}

// ResolveSignal resolves a POSIX short signal name, with or without
// the "SIG" prefix, to a syscall.Signal (spec.md §6).
func ResolveSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimPrefix(strings.ToUpper(name), "SIG"))
	sig, ok := signalTable[n]
	if !ok {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// splitCommand performs POSIX-ish shell word splitting on cmd: fields
// are separated by unquoted whitespace, and single/double quotes group
// a field without performing further shell expansion (no globbing, no
// variable substitution, no command substitution — this is argv
// construction, not a shell). This has no ecosystem equivalent in the
// retrieval pack (the original Rust implementation's `shell_words`
// crate has no Go analogue among the examples), so it is hand-rolled
// against the standard library; see DESIGN.md.
func splitCommand(cmd string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inField := false
	var quote rune

	flush := func() {
		if inField {
			fields = append(fields, cur.String())
			cur.Reset()
			inField = false
		}
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inField = true
		case c == ' ' || c == '\t':
			flush()
		case c == '\\' && quote == 0 && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			inField = true
		default:
			cur.WriteRune(c)
			inField = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command %q", cmd)
	}
	flush()
	return fields, nil
}
