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

// Package sysinfo detects ambient system facts the transaction engine
// treats as advisory: target architecture, the os-release identity used
// to build the fetch layer's User-Agent (spec.md §6), and free space on
// the staging filesystem, modeled on the original turris-updater's
// src/lib/syscnf.c (SPEC_FULL.md §4 supplement).
package sysinfo

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Info is a snapshot of the ambient facts Detect gathers.
type Info struct {
	Architecture string // e.g. "arm", "mips", "x86_64"; from runtime.GOARCH unless overridden
	Hostname     string
	OSName       string // os-release "ID"
	OSVersion    string // os-release "VERSION_ID"
}

// UserAgent formats the identity string the fetch layer's HTTP client
// attaches to every request, per spec.md §6.
func (i Info) UserAgent() string {
	name := i.OSName
	if name == "" {
		name = "unknown"
	}
	return "opkg-updater/1.0 (" + name + "; " + i.Architecture + ")"
}

// Detect reads /etc/os-release under root (falling back to the bare
// runtime architecture and local hostname if it is absent) and returns the
// resulting Info.
func Detect(root string) (Info, error) {
	info := Info{Architecture: runtime.GOARCH}
	if h, err := os.Hostname(); err == nil {
		info.Hostname = h
	}
	fields, err := parseOSRelease(filepath.Join(root, "etc/os-release"))
	if err != nil && !os.IsNotExist(err) {
		return info, errors.Wrap(err, "reading os-release")
	}
	info.OSName = fields["ID"]
	info.OSVersion = fields["VERSION_ID"]
	return info, nil
}

func parseOSRelease(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, `"`)
	}
	return fields, scanner.Err()
}

// FreeBytes reports the free space available on the filesystem holding
// path, via statfs(2).
func FreeBytes(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckStagingSpace compares the free space available under stagingDir
// against neededBytes (the sum of incoming package sizes) and returns a
// human-readable warning string (empty if there is enough room). The
// original treats this as advisory only: callers log the warning and
// proceed, they do not abort (SPEC_FULL.md §4 supplement).
func CheckStagingSpace(stagingDir string, neededBytes uint64) (string, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating staging directory")
	}
	free, err := FreeBytes(stagingDir)
	if err != nil {
		return "", err
	}
	if free < neededBytes {
		return errors.Errorf("low free space on %s: %d bytes free, %d needed", stagingDir, free, neededBytes).Error(), nil
	}
	return "", nil
}
