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
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/maps"

	"taskmasterd/config"
)

// structuralHash hashes the fields of a Program that matter for
// reload diffing. Two Programs that hash identically are treated as
// unchanged by Reload; any difference — down to a single env var or
// exit code — is treated as a full replace (spec.md §4.5's reload
// decides a structural change, not a field-by-field patch).
func structuralHash(p *config.Program) [32]byte {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "name=%s\n", p.Name)
	for _, c := range p.Cmd {
		fmt.Fprintf(h, "cmd=%s\n", c)
	}
	fmt.Fprintf(h, "num_procs=%d\n", p.NumProcs)
	fmt.Fprintf(h, "umask=%o\n", p.Umask)
	fmt.Fprintf(h, "working_dir=%s\n", p.WorkingDir)
	fmt.Fprintf(h, "auto_start=%t\n", p.AutoStart)
	fmt.Fprintf(h, "auto_restart=%s\n", p.AutoRestart)
	fmt.Fprintf(h, "start_retries=%d\n", p.StartRetries)
	fmt.Fprintf(h, "start_time=%d\n", p.StartTime)
	fmt.Fprintf(h, "stop_signal=%d\n", p.StopSignal)
	fmt.Fprintf(h, "stop_time=%d\n", p.StopTime)
	fmt.Fprintf(h, "stdout=%s\n", p.Stdout)
	fmt.Fprintf(h, "stderr=%s\n", p.Stderr)
	fmt.Fprintf(h, "clear_env=%t\n", p.ClearEnv)

	codes := make([]int, 0, len(p.ExitCodes))
	for c := range p.ExitCodes {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	for _, c := range codes {
		fmt.Fprintf(h, "exit_code=%d\n", c)
	}

	keys := maps.Keys(p.Env)
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "env.%s=%s\n", k, p.Env[k])
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// diffNames splits the program names present before and after a
// reload into removed (present before, absent after), added (absent
// before, present after), and kept (present in both — callers must
// still check structuralHash to see whether a kept program changed).
func diffNames(oldByName, newByName map[string]*config.Program) (removed, added, kept []string) {
	oldNames := maps.Keys(oldByName)
	newSet := make(map[string]struct{}, len(newByName))
	for _, n := range maps.Keys(newByName) {
		newSet[n] = struct{}{}
	}

	oldSet := make(map[string]struct{}, len(oldNames))
	for _, n := range oldNames {
		oldSet[n] = struct{}{}
		if _, ok := newSet[n]; ok {
			kept = append(kept, n)
		} else {
			removed = append(removed, n)
		}
	}
	for n := range newSet {
		if _, ok := oldSet[n]; !ok {
			added = append(added, n)
		}
	}

	sort.Strings(removed)
	sort.Strings(added)
	sort.Strings(kept)
	return removed, added, kept
}
