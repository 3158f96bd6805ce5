// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hooks enumerates and invokes lifecycle hook scripts, the way
// etc/updater/hook_preupdate and friends are run (spec.md §4.7, §6).
package hooks

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/subprocess"
)

// Timeout bounds each individual hook invocation.
const Timeout = 60 * time.Second

// Run invokes every executable file in dir, in alphabetical order, passing
// rootDir as the ROOT_DIR environment variable and any extra env entries
// given in env. All hook output is written to the unified log. A missing
// dir is not an error (no hooks configured).
func Run(ctx context.Context, dir, rootDir string, env ...string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "listing hooks in %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return errors.Wrapf(err, "stat hook %s", e.Name())
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		fullEnv := append(append([]string{}, os.Environ()...), "ROOT_DIR="+rootDir)
		fullEnv = append(fullEnv, env...)
		res, err := subprocess.Run(ctx, path, nil, subprocess.Options{
			Timeout: Timeout,
			Env:     fullEnv,
		})
		if err != nil {
			return errors.Wrapf(err, "running hook %s", name)
		}
		if len(res.Stdout) > 0 {
			log.Printf("hook %s stdout: %s", name, res.Stdout)
		}
		if len(res.Stderr) > 0 {
			log.Printf("hook %s stderr: %s", name, res.Stderr)
		}
		if res.ExitCode != 0 {
			log.Printf("hook %s exited %d (reason=%v)", name, res.ExitCode, res.Reason)
		}
	}
	return nil
}
