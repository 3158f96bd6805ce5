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

// Package plan computes the ordered transaction-step sequence from a
// desired set of package changes and the currently installed database:
// file-owner collision detection, conffile policy, and step ordering
// (spec.md §4.3).
package plan

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/pkgdb"
	"github.com/google/opkg-updater/pkg/txn"
)

// ConffilePolicy selects how a conffile collision between the installed
// and incoming copy of a path is resolved.
type ConffilePolicy int

const (
	// ConffileKeep silently keeps the installed copy when its hash matches
	// the incoming package's recorded hash for that path (no user edits).
	ConffileKeep ConffilePolicy = iota
	// ConffileNew preserves the user's modified copy and writes the
	// incoming version alongside it with a ".new" suffix.
	ConffileNew
)

// FileClaim is one path an incoming package will own, with the content
// hash it will have once installed.
type FileClaim struct {
	Path string
	Hash string
}

// Change is one incoming operation: install pkg (possibly replacing an
// existing version of the same name) or remove it.
type Change struct {
	Install *pkgdb.Package // nil if this is a pure removal
	Remove  string         // package name to remove; "" if pure install
	Claims  []FileClaim    // files the incoming package owns, enumerated from its unpacked data tree
	StagingDir string      // staging directory already populated by Unpack
}

// Collision describes a path claimed by more than one non-cooperating
// party.
type Collision struct {
	Path    string
	Owners  []string // package names claiming the path
}

// ErrCollision is returned when the incoming change set cannot be
// reconciled without manual intervention.
var ErrCollision = errors.New("unresolved file collision")

// Result is the output of Compute: either a step sequence ready for the
// transaction engine, or a fatal collision report.
type Result struct {
	Steps      []txn.Step
	Collisions []Collision
	// ConffileActions maps each conffile path whose incoming content hash
	// differs from the hash recorded for the installed copy to Path+".new".
	// Steps does not act on it: the MergeFiles step still moves the
	// incoming file onto Path, and nothing is written to Path+".new".
	ConffileActions map[string]string
}

// Compute produces the ordered step sequence for applying changes against
// db. It does not mutate db; the transaction engine applies UpdateDB steps
// as it executes them.
func Compute(db *pkgdb.InstalledDatabase, changes []Change) (*Result, error) {
	owners := fileOwnerMap(db)
	conffileHash := conffileHashIndex(db)

	res := &Result{ConffileActions: map[string]string{}}
	removing := map[string]bool{}
	for _, c := range changes {
		if c.Remove != "" {
			removing[c.Remove] = true
		}
		if c.Install != nil && c.Install.Name != c.Remove {
			removing[c.Install.Name] = true // an install with the same name as an existing package is an upgrade
		}
	}

	claimedBy := map[string][]string{}
	for _, c := range changes {
		if c.Install == nil {
			continue
		}
		for _, claim := range c.Claims {
			claimedBy[claim.Path] = append(claimedBy[claim.Path], c.Install.Name)
		}
	}

	for path, claimants := range claimedBy {
		if len(claimants) > 1 {
			res.Collisions = append(res.Collisions, Collision{Path: path, Owners: append([]string{}, claimants...)})
			continue
		}
		owner, installed := owners[path]
		if !installed {
			continue
		}
		if conffileHash[path] != "" {
			var incomingHash string
			for _, c := range changes {
				if c.Install == nil {
					continue
				}
				for _, claim := range c.Claims {
					if claim.Path == path {
						incomingHash = claim.Hash
					}
				}
			}
			if incomingHash == conffileHash[path] {
				continue // identical content: silently resolved
			}
			res.ConffileActions[path] = path + ".new"
			continue
		}
		if removing[owner] {
			continue
		}
		res.Collisions = append(res.Collisions, Collision{Path: path, Owners: []string{owner, claimants[0]}})
	}
	if len(res.Collisions) > 0 {
		sortCollisions(res.Collisions)
		return res, errors.Wrap(ErrCollision, "one or more paths claimed by conflicting packages")
	}

	res.Steps = orderSteps(db, changes)
	return res, nil
}

func fileOwnerMap(db *pkgdb.InstalledDatabase) map[string]string {
	owners := map[string]string{}
	for name, pkg := range db.Packages {
		for _, f := range pkg.Files {
			owners[f.Path] = name
		}
	}
	return owners
}

func conffileHashIndex(db *pkgdb.InstalledDatabase) map[string]string {
	index := map[string]string{}
	for _, pkg := range db.Packages {
		conf := map[string]bool{}
		for _, c := range pkg.Conffiles {
			conf[c] = true
		}
		for _, f := range pkg.Files {
			if conf[f.Path] {
				index[f.Path] = f.Hash
			}
		}
	}
	return index
}

func sortCollisions(cs []Collision) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Path < cs[j].Path })
}

// orderSteps implements spec.md §4.3 step 4: removals emit pre-remove,
// remove, post-remove, update-db; installs emit unpack, pre-install,
// check-collisions, merge, update-db, post-install, cleanup. Upgrades (install and
// remove sharing a name) interleave as remove-then-install. Secondary
// ordering within a lifecycle phase is alphabetical by package name.
func orderSteps(db *pkgdb.InstalledDatabase, changes []Change) []txn.Step {
	var removes, installs []Change
	for _, c := range changes {
		if c.Remove != "" {
			removes = append(removes, c)
		}
		if c.Install != nil {
			installs = append(installs, c)
		}
	}
	sort.Slice(removes, func(i, j int) bool { return removes[i].Remove < removes[j].Remove })
	sort.Slice(installs, func(i, j int) bool { return installs[i].Install.Name < installs[j].Install.Name })

	var steps []txn.Step
	for _, c := range removes {
		steps = append(steps,
			txn.Step{Kind: txn.RunScript, Package: c.Remove, Phase: string(pkgdb.PreRemove)},
			txn.Step{Kind: txn.RemoveFiles, Package: c.Remove, Files: removedFiles(db, c.Remove)},
			txn.Step{Kind: txn.RunScript, Package: c.Remove, Phase: string(pkgdb.PostRemove)},
			txn.Step{Kind: txn.UpdateDB, Package: c.Remove, NewState: "removed"},
		)
	}
	for _, c := range installs {
		ref := installRef(c)
		steps = append(steps,
			txn.Step{Kind: txn.Unpack, Package: c.Install.Name, StagingDir: c.StagingDir, Install: ref},
			txn.Step{Kind: txn.RunScript, Package: c.Install.Name, Phase: string(pkgdb.PreInstall), StagingDir: c.StagingDir},
			txn.Step{Kind: txn.CheckCollisions, Package: c.Install.Name, Install: ref},
			txn.Step{Kind: txn.MergeFiles, Package: c.Install.Name, StagingDir: c.StagingDir, Install: ref},
			txn.Step{Kind: txn.UpdateDB, Package: c.Install.Name, NewState: "installed", Install: ref},
			txn.Step{Kind: txn.RunScript, Package: c.Install.Name, Phase: string(pkgdb.PostInstall), StagingDir: c.StagingDir},
			txn.Step{Kind: txn.Cleanup, Package: c.Install.Name, StagingDir: c.StagingDir},
		)
	}
	return steps
}

// installRef builds the txn engine's view of an incoming package from the
// change's claimed files, assuming (as opkg's own data.tar.gz layout does)
// that a claim's staging-relative path is its root-relative path with the
// leading slash removed.
func installRef(c Change) txn.PackageRef {
	ref := txn.PackageRef{Name: c.Install.Name, Version: c.Install.Version}
	for _, claim := range c.Claims {
		ref.Files = append(ref.Files, txn.PackageFile{
			StagingPath: strings.TrimPrefix(claim.Path, "/"),
			RootPath:    claim.Path,
		})
	}
	return ref
}

func removedFiles(db *pkgdb.InstalledDatabase, name string) []string {
	pkg, ok := db.Packages[name]
	if !ok {
		return nil
	}
	var files []string
	for _, f := range pkg.Files {
		files = append(files, f.Path)
	}
	sort.Strings(files)
	return files
}
