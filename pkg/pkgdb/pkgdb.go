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

// Package pkgdb parses and writes the installed-package database: the
// Debian-stanza-style "status" file under usr/lib/opkg/status, plus each
// package's per-package info files (file list, conffiles, maintainer
// scripts) under usr/lib/opkg/info/. The stanza grammar (blank-line
// separated records, colon-delimited fields, space/tab continuation
// lines) is the same one the teacher repository parses for Debian .dsc
// files; see pkg/registry/debian in the teacher for the original.
package pkgdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ScriptPhase names a maintainer-script lifecycle point.
type ScriptPhase string

const (
	PreInstall  ScriptPhase = "preinst"
	PostInstall ScriptPhase = "postinst"
	PreRemove   ScriptPhase = "prerm"
	PostRemove  ScriptPhase = "postrm"
)

var allPhases = []ScriptPhase{PreInstall, PostInstall, PreRemove, PostRemove}

// State is a package's position in the install state machine.
type State string

const (
	StateInstalled     State = "installed"
	StateHalfInstalled State = "half-installed"
	StateHalfRemoved   State = "half-removed"
)

// Constraint is a declared dependency or conflict: a package name plus an
// optional version constraint expression (e.g. ">=1.2", left as an opaque
// string since constraint-expression evaluation belongs to the external
// SAT-based dependency solver, out of scope here).
type Constraint struct {
	Name       string
	VersionOp  string
	Version    string
}

// FileEntry is one file owned by a package, as recorded at install time.
type FileEntry struct {
	Path string
	Hash string
	Mode os.FileMode
}

// Package is a unit the engine can install, upgrade, or remove.
type Package struct {
	Name         string
	Version      string
	Architecture string
	Depends      []Constraint
	Conflicts    []Constraint
	Files        []FileEntry
	Conffiles    []string
	Scripts      map[ScriptPhase]string // phase -> absolute path of the script on disk
	State        State
}

// InstalledDatabase is the authoritative record of what is on disk: for
// every installed package, its owned files and their hashes at install
// time. Invariant: every claimed path exists on the filesystem and no
// path is claimed twice (enforced by plan computation before any write).
type InstalledDatabase struct {
	Packages map[string]*Package
}

// New returns an empty database.
func New() *InstalledDatabase {
	return &InstalledDatabase{Packages: map[string]*Package{}}
}

// FileOwner returns the name of the installed package that owns path, if
// any.
func (db *InstalledDatabase) FileOwner(path string) (string, bool) {
	for name, pkg := range db.Packages {
		for _, f := range pkg.Files {
			if f.Path == path {
				return name, true
			}
		}
	}
	return "", false
}

const (
	statusRelPath = "usr/lib/opkg/status"
	infoRelDir    = "usr/lib/opkg/info"
)

// Load reads the installed-package database rooted at root (the engine's
// root directory), combining the status file with each package's
// per-package info files.
func Load(root string) (*InstalledDatabase, error) {
	statusPath := filepath.Join(root, statusRelPath)
	if _, err := os.Stat(statusPath); os.IsNotExist(err) {
		return New(), nil
	}
	db, err := parseStatusFile(statusPath)
	if err != nil {
		return nil, errors.Wrap(err, "parsing status file")
	}
	infoDir := filepath.Join(root, infoRelDir)
	for name, pkg := range db.Packages {
		if err := loadInfo(infoDir, name, pkg); err != nil {
			return nil, errors.Wrapf(err, "loading info for %s", name)
		}
	}
	return db, nil
}

func loadInfo(infoDir, name string, pkg *Package) error {
	if lines, err := readLines(filepath.Join(infoDir, name+".list")); err == nil {
		for _, line := range lines {
			parts := strings.SplitN(line, " ", 2)
			if len(parts) != 2 {
				continue
			}
			pkg.Files = append(pkg.Files, FileEntry{Hash: parts[0], Path: parts[1]})
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	if lines, err := readLines(filepath.Join(infoDir, name+".conffiles")); err == nil {
		pkg.Conffiles = lines
	} else if !os.IsNotExist(err) {
		return err
	}
	pkg.Scripts = map[ScriptPhase]string{}
	for _, phase := range allPhases {
		p := filepath.Join(infoDir, name+"."+string(phase))
		if _, err := os.Stat(p); err == nil {
			pkg.Scripts[phase] = p
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// parseStatusFile reads the stanza-formatted status file: one blank-line
// separated record per package, colon-delimited fields, with indented
// continuation lines appended to the preceding field's value.
func parseStatusFile(path string) (*InstalledDatabase, error) {
	db := New()
	stanzas, err := parseStanzas(path)
	if err != nil {
		return nil, err
	}
	for _, st := range stanzas {
		pkg, err := stanzaToPackage(st)
		if err != nil {
			return nil, err
		}
		db.Packages[pkg.Name] = pkg
	}
	return db, nil
}

func stanzaToPackage(fields map[string][]string) (*Package, error) {
	name := first(fields["Package"])
	if name == "" {
		return nil, errors.New("stanza missing Package field")
	}
	pkg := &Package{
		Name:         name,
		Version:      first(fields["Version"]),
		Architecture: first(fields["Architecture"]),
		State:        State(first(fields["Status"])),
	}
	pkg.Depends = parseConstraintList(first(fields["Depends"]))
	pkg.Conflicts = parseConstraintList(first(fields["Conflicts"]))
	if pkg.State == "" {
		pkg.State = StateInstalled
	}
	return pkg, nil
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// parseConstraintList parses a comma-separated dependency/conflict field
// like "libfoo (>= 1.2), libbar".
func parseConstraintList(field string) []Constraint {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	var out []Constraint
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, rest, hasConstraint := strings.Cut(part, "(")
		c := Constraint{Name: strings.TrimSpace(name)}
		if hasConstraint {
			rest = strings.TrimSuffix(strings.TrimSpace(rest), ")")
			fields := strings.SplitN(rest, " ", 2)
			if len(fields) == 2 {
				c.VersionOp, c.Version = fields[0], fields[1]
			}
		}
		out = append(out, c)
	}
	return out
}

// parseStanzas splits the file at path into blank-line-delimited stanzas
// of field->values.
func parseStanzas(path string) ([]map[string][]string, error) {
	data, err := readAllLines(path)
	if err != nil {
		return nil, err
	}
	var stanzas []map[string][]string
	stanza := map[string][]string{}
	var lastField string
	flush := func() {
		if len(stanza) > 0 {
			stanzas = append(stanzas, stanza)
			stanza = map[string][]string{}
			lastField = ""
		}
	}
	for _, line := range data {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			if lastField == "" {
				return nil, errors.New("unexpected continuation line in status file")
			}
			stanza[lastField] = append(stanza[lastField], strings.TrimSpace(line))
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Errorf("malformed status line: %q", line)
		}
		stanza[field] = []string{strings.TrimSpace(value)}
		lastField = field
	}
	flush()
	return stanzas, nil
}

func readAllLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

// Save writes db back out as the status file plus per-package info files
// under root, overwriting any existing content.
func (db *InstalledDatabase) Save(root string) error {
	names := make([]string, 0, len(db.Packages))
	for name := range db.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		pkg := db.Packages[name]
		fmt.Fprintf(&sb, "Package: %s\n", pkg.Name)
		fmt.Fprintf(&sb, "Version: %s\n", pkg.Version)
		fmt.Fprintf(&sb, "Architecture: %s\n", pkg.Architecture)
		fmt.Fprintf(&sb, "Status: %s\n", pkg.State)
		if len(pkg.Depends) > 0 {
			fmt.Fprintf(&sb, "Depends: %s\n", formatConstraintList(pkg.Depends))
		}
		if len(pkg.Conflicts) > 0 {
			fmt.Fprintf(&sb, "Conflicts: %s\n", formatConstraintList(pkg.Conflicts))
		}
		sb.WriteString("\n")
	}
	statusPath := filepath.Join(root, statusRelPath)
	if err := os.MkdirAll(filepath.Dir(statusPath), 0o755); err != nil {
		return errors.Wrap(err, "creating status directory")
	}
	if err := os.WriteFile(statusPath, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrap(err, "writing status file")
	}

	infoDir := filepath.Join(root, infoRelDir)
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return errors.Wrap(err, "creating info directory")
	}
	for _, name := range names {
		pkg := db.Packages[name]
		if err := writeListFile(infoDir, pkg); err != nil {
			return err
		}
		if len(pkg.Conffiles) > 0 {
			content := strings.Join(pkg.Conffiles, "\n") + "\n"
			if err := os.WriteFile(filepath.Join(infoDir, name+".conffiles"), []byte(content), 0o644); err != nil {
				return errors.Wrapf(err, "writing conffiles for %s", name)
			}
		}
	}
	return nil
}

func writeListFile(infoDir string, pkg *Package) error {
	if len(pkg.Files) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, f := range pkg.Files {
		fmt.Fprintf(&sb, "%s %s\n", f.Hash, f.Path)
	}
	if err := os.WriteFile(filepath.Join(infoDir, pkg.Name+".list"), []byte(sb.String()), 0o644); err != nil {
		return errors.Wrapf(err, "writing file list for %s", pkg.Name)
	}
	return nil
}

func formatConstraintList(cs []Constraint) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		if c.VersionOp != "" {
			parts[i] = fmt.Sprintf("%s (%s %s)", c.Name, c.VersionOp, c.Version)
		} else {
			parts[i] = c.Name
		}
	}
	return strings.Join(parts, ", ")
}
