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

package main

import "path/filepath"

// Config holds the parameters the surrounding CLI resolves (root
// directory, concurrency, batch/interactive mode, flags) and passes
// explicitly into the engine, replacing the teacher's occasional
// package-level globals (spec.md §6).
type Config struct {
	RootDir      string
	Parallelism  int
	Batch        bool
	ApprovalHash []string
	TaskLogPath  string
	ReinstallAll bool
	NoReplan     bool
}

func (c Config) lockPath() string      { return filepath.Join(c.RootDir, "var/lock/opkg.lock") }
func (c Config) changelogPath() string { return filepath.Join(c.RootDir, "usr/share/updater/changelog") }
func (c Config) stagingDir() string    { return filepath.Join(c.RootDir, "usr/share/updater/unpacked") }
func (c Config) downloadDir() string   { return filepath.Join(c.RootDir, "usr/share/updater/download") }

func (c Config) hookDir(name string) string {
	return filepath.Join(c.RootDir, "etc/updater", name)
}
