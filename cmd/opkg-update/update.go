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

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/google/opkg-updater/internal/sysinfo"
	"github.com/google/opkg-updater/pkg/archive"
	"github.com/google/opkg-updater/pkg/changelog"
	"github.com/google/opkg-updater/pkg/fsutil"
	"github.com/google/opkg-updater/pkg/hooks"
	"github.com/google/opkg-updater/pkg/pkgdb"
	"github.com/google/opkg-updater/pkg/plan"
	"github.com/google/opkg-updater/pkg/txn"
)

// runUpdate drives the full pipeline spec.md §2 describes, leaf-first:
// resolve archives, unpack, compute the plan, run pre-update hooks, drive
// the transaction engine, run post-update and reboot-required hooks, and
// record the whole thing to the changelog.
func runUpdate(ctx context.Context, cfg Config, manifestPath string) int {
	m, err := loadManifest(manifestPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	lock, err := txn.AcquireLock(cfg.lockPath())
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer lock.Release()

	db, err := pkgdb.Load(cfg.RootDir)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	archivePaths, err := resolveArchives(ctx, m.Installs, cfg.downloadDir(), cfg.Parallelism)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	if needed, serr := sumFileSizes(archivePaths); serr != nil {
		log.Printf("computing incoming package size: %v", serr)
	} else if warn, serr := sysinfo.CheckStagingSpace(cfg.stagingDir(), needed); serr == nil && warn != "" {
		log.Print(warn)
	}

	changes, err := stageInstalls(m, archivePaths, db, cfg.stagingDir())
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	for _, name := range m.Removes {
		changes = append(changes, plan.Change{Remove: name})
	}

	result, err := plan.Compute(db, changes)
	if err != nil {
		for _, c := range result.Collisions {
			log.Printf("collision: %s claimed by %v", c.Path, c.Owners)
		}
		log.Printf("fatal: %v", err)
		return 1
	}

	cl, err := changelog.Open(cfg.changelogPath())
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer cl.Close()
	cl.Start(time.Now().Unix(), uuid.NewString())
	for _, c := range changes {
		if c.Install != nil {
			old := ""
			if prev, ok := db.Packages[c.Install.Name]; ok {
				old = prev.Version
			}
			cl.Package(c.Install.Name, old, c.Install.Version)
		} else if c.Remove != "" {
			old := ""
			if prev, ok := db.Packages[c.Remove]; ok {
				old = prev.Version
			}
			cl.Package(c.Remove, old, "")
		}
	}

	if err := hooks.Run(ctx, cfg.hookDir("hook_preupdate"), cfg.RootDir); err != nil {
		log.Printf("pre-update hook failed: %v", err)
	}

	success := true
	if err := applySteps(ctx, cfg, db, result.Steps, cl); err != nil {
		log.Printf("transaction failed: %v", err)
		success = false
	}

	cl.End(time.Now().Unix())

	if err := hooks.Run(ctx, cfg.hookDir("hook_postupdate"), cfg.RootDir, "SUCCESS="+boolStr(success)); err != nil {
		log.Printf("post-update hook failed: %v", err)
	}
	if success && rebootRequired(result.Steps) {
		if err := hooks.Run(ctx, cfg.hookDir("hook_reboot_required"), cfg.RootDir); err != nil {
			log.Printf("reboot-required hook failed: %v", err)
		}
	}

	if !success {
		return 2
	}
	return 0
}

// runRollback recomputes the same plan runUpdate would apply, then
// discards it via Engine.Abort instead of running it: every staging
// directory the plan references is removed and the journal from a prior
// interrupted attempt is deleted, so the next "update" starts clean
// rather than resuming (the supplemented --rollback-only flag, SPEC_FULL.md
// §4 item 5).
func runRollback(ctx context.Context, cfg Config, manifestPath string) int {
	m, err := loadManifest(manifestPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	lock, err := txn.AcquireLock(cfg.lockPath())
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer lock.Release()

	db, err := pkgdb.Load(cfg.RootDir)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	archivePaths, err := resolveArchives(ctx, m.Installs, cfg.downloadDir(), cfg.Parallelism)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	changes, err := stageInstalls(m, archivePaths, db, cfg.stagingDir())
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	for _, name := range m.Removes {
		changes = append(changes, plan.Change{Remove: name})
	}
	result, err := plan.Compute(db, changes)
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}

	eng, err := txn.Open(cfg.RootDir, db, txn.DefaultScriptRunner(cfg.RootDir))
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer eng.Close()
	if err := eng.Abort(result.Steps); err != nil {
		log.Printf("rollback failed: %v", err)
		return 2
	}
	return 0
}

// stageInstalls unpacks each install's archive into its own staging
// directory and enumerates the resulting data tree into plan.FileClaims,
// hashing each file's content (spec.md §4.3 step 1).
func stageInstalls(m *Manifest, archivePaths []string, db *pkgdb.InstalledDatabase, stagingRoot string) ([]plan.Change, error) {
	var changes []plan.Change
	for i, in := range m.Installs {
		stagingDir := filepath.Join(stagingRoot, fmt.Sprintf("%s-%s", in.Name, in.Version))
		if _, err := archive.UnpackPackage(archivePaths[i], stagingDir); err != nil {
			return nil, errors.Wrapf(err, "unpacking %s", in.Name)
		}
		dataDir := filepath.Join(stagingDir, "data")
		files, err := fsutil.DirTreeList(dataDir, fsutil.FilterRegular)
		if err != nil {
			return nil, errors.Wrapf(err, "enumerating %s", in.Name)
		}
		claims := make([]plan.FileClaim, 0, len(files))
		for _, rel := range files {
			hash, err := hashFile(filepath.Join(dataDir, rel))
			if err != nil {
				return nil, errors.Wrapf(err, "hashing %s", rel)
			}
			claims = append(claims, plan.FileClaim{Path: "/" + filepath.ToSlash(rel), Hash: hash})
		}
		pkg := &pkgdb.Package{Name: in.Name, Version: in.Version}
		change := plan.Change{Install: pkg, Claims: claims, StagingDir: stagingDir}
		if prev, ok := db.Packages[in.Name]; ok && prev.Version != in.Version {
			change.Remove = in.Name
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// sumFileSizes totals the on-disk size of each resolved archive, giving
// the staging-space check the actual sum of incoming package sizes
// (SPEC_FULL.md §4: warn when staging-area free space is below that sum).
func sumFileSizes(paths []string) (uint64, error) {
	var total uint64
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return 0, err
		}
		total += uint64(fi.Size())
	}
	return total, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// applySteps opens the transaction engine (replaying any prior journal)
// and runs the planned steps; the engine's own Cleanup steps remove each
// install's staging directory as it finishes. Every maintainer-script
// invocation, install or removal alike, is additionally recorded to the
// changelog with its real captured output (spec.md §6 "SCRIPT" records),
// matching the engine's "record, don't abort" policy for script failures.
func applySteps(ctx context.Context, cfg Config, db *pkgdb.InstalledDatabase, steps []txn.Step, cl *changelog.Writer) error {
	eng, err := txn.Open(cfg.RootDir, db, txn.DefaultScriptRunner(cfg.RootDir))
	if err != nil {
		return err
	}
	defer eng.Close()
	eng.ScriptObserver = func(pkg, phase string, exitCode int, output string) {
		cl.Script(pkg, phase, exitCode, output)
	}
	return eng.Run(ctx, steps)
}

// rebootRequired reports whether any merged file matches a declared
// reboot-triggering path (spec.md §4.4: "a separate reboot-required hook
// fires if any merged file matches a declared reboot-triggering path").
func rebootRequired(steps []txn.Step) bool {
	for _, s := range steps {
		if s.Kind != txn.MergeFiles {
			continue
		}
		for _, f := range s.Install.Files {
			if rebootTriggerPaths[f.RootPath] {
				return true
			}
		}
	}
	return false
}

var rebootTriggerPaths = map[string]bool{
	"/boot/vmlinuz": true,
	"/boot/zImage":  true,
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
