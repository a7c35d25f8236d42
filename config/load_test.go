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
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "taskmaster.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
programs:
  echo_loop:
    cmd: "sh -c 'echo hi'"
`)
	programs, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(programs) != 1 {
		t.Fatalf("expected 1 program, got %d", len(programs))
	}
	p := programs[0]
	if p.Name != "echo_loop" {
		t.Errorf("name = %q", p.Name)
	}
	if p.NumProcs != 1 {
		t.Errorf("num_procs = %d, want 1", p.NumProcs)
	}
	if p.Umask != DefaultUmask {
		t.Errorf("umask = %o, want %o", p.Umask, DefaultUmask)
	}
	if p.WorkingDir != "/" {
		t.Errorf("working_dir = %q", p.WorkingDir)
	}
	if p.AutoStart {
		t.Error("auto_start should default false")
	}
	if p.AutoRestart != RestartNever {
		t.Errorf("auto_restart = %v, want Never", p.AutoRestart)
	}
	if !p.ExitCodeExpected(0) || len(p.ExitCodes) != 1 {
		t.Errorf("exit_codes = %v, want {0}", p.ExitCodes)
	}
	if p.StopSignal != syscall.SIGINT {
		t.Errorf("stop_signal = %v, want SIGINT", p.StopSignal)
	}
	if p.Stdout != "/dev/null" || p.Stderr != "/dev/null" {
		t.Errorf("stdout/stderr = %q/%q", p.Stdout, p.Stderr)
	}
	want := []string{"sh", "-c", "echo hi"}
	if len(p.Cmd) != len(want) {
		t.Fatalf("cmd = %v", p.Cmd)
	}
	for i := range want {
		if p.Cmd[i] != want[i] {
			t.Errorf("cmd[%d] = %q, want %q", i, p.Cmd[i], want[i])
		}
	}
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, `
programs:
  bad:
    cmd: "true"
    bogus_key: 1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoadInvalidUmask(t *testing.T) {
	path := writeConfig(t, `
programs:
  bad:
    cmd: "true"
    umask: "999"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an out-of-range umask")
	}
}

func TestLoadInvalidSignal(t *testing.T) {
	path := writeConfig(t, `
programs:
  bad:
    cmd: "true"
    stop_signal: "BOGUS"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown signal name")
	}
}

func TestLoadEmptyCommand(t *testing.T) {
	path := writeConfig(t, `
programs:
  bad:
    cmd: "   "
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestLoadSignalWithSigPrefix(t *testing.T) {
	path := writeConfig(t, `
programs:
  p:
    cmd: "true"
    stop_signal: "SIGTERM"
`)
	programs, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if programs[0].StopSignal != syscall.SIGTERM {
		t.Errorf("stop_signal = %v, want SIGTERM", programs[0].StopSignal)
	}
}

func TestLoadFullProgram(t *testing.T) {
	path := writeConfig(t, `
programs:
  flaky:
    cmd: "sh -c 'sleep 2; exit 7'"
    num_procs: 2
    umask: "022"
    working_dir: "/tmp"
    auto_start: true
    auto_restart: "unexpected"
    exit_codes: [0, 2]
    start_retries: 3
    start_time: 1
    stop_signal: "TERM"
    stop_time: 5
    stdout: "/tmp/out.log"
    stderr: "/tmp/err.log"
    clear_env: true
    env:
      FOO: "bar"
`)
	programs, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	p := programs[0]
	if p.NumProcs != 2 {
		t.Errorf("num_procs = %d", p.NumProcs)
	}
	if p.Umask != 0o022 {
		t.Errorf("umask = %o", p.Umask)
	}
	if p.AutoRestart != RestartOnUnexpectedExit {
		t.Errorf("auto_restart = %v", p.AutoRestart)
	}
	if !p.ExitCodeExpected(2) {
		t.Error("exit code 2 should be expected")
	}
	if !p.ClearEnv {
		t.Error("clear_env should be true")
	}
	if p.Env["FOO"] != "bar" {
		t.Errorf("env[FOO] = %q", p.Env["FOO"])
	}
}

func TestSplitCommandQuoting(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`sh -c 'echo hi'`, []string{"sh", "-c", "echo hi"}},
		{`prog "arg with space"`, []string{"prog", "arg with space"}},
		{`prog arg1 arg2`, []string{"prog", "arg1", "arg2"}},
		{`prog`, []string{"prog"}},
	}
	for _, c := range cases {
		got, err := splitCommand(c.in)
		if err != nil {
			t.Fatalf("splitCommand(%q): %v", c.in, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("splitCommand(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("splitCommand(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestSplitCommandUnterminatedQuote(t *testing.T) {
	if _, err := splitCommand(`sh -c 'echo`); err == nil {
		t.Fatal("expected an error for an unterminated quote")
	}
}
