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

package txn

import (
	"context"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/fsutil"
	"github.com/google/opkg-updater/pkg/pkgdb"
	"github.com/google/opkg-updater/pkg/subprocess"
)

const journalRelPath = "var/lib/opkg/journal"

// ScriptRunner executes a package's maintainer script for the given phase.
// It returns (false, "", nil) when the package has no script for that
// phase. output carries the script's combined stdout+stderr so callers
// can thread it into the changelog's "captured output" continuation
// lines (spec.md §3 ChangelogEntry, §6 changelog format).
type ScriptRunner func(ctx context.Context, pkg *pkgdb.Package, phase pkgdb.ScriptPhase) (ran bool, exitCode int, output string, err error)

// Engine drives a sequence of Steps to completion against a root
// directory, journaling every commit point so a crash mid-transaction can
// be resumed (spec.md §4.4).
type Engine struct {
	Root    string
	DB      *pkgdb.InstalledDatabase
	Scripts ScriptRunner

	// ScriptObserver, if set, is called with the captured output of every
	// maintainer script the engine actually ran (install or removal
	// alike), so a caller can mirror it to the changelog's "captured
	// output" continuation lines (spec.md §3, §6) regardless of which of
	// doRunScript's two execution paths produced it.
	ScriptObserver func(pkg, phase string, exitCode int, output string)

	journal     *Journal
	journalPath string
	// scriptsDone tracks which (package, phase) maintainer-script
	// invocations already committed a RecScripts record in a prior,
	// interrupted run. Running a script is the one step kind that is not
	// safe to retry blindly (its record follows execution, per spec.md
	// §4.4: "SCRIPTS is the one type that must follow execution since it
	// encodes the result"), so recovery must skip it outright rather than
	// re-run it. Every other step kind is idempotent and is always
	// re-executed on replay; see doMerge for the MergeFiles case.
	scriptsDone map[scriptKey]bool
}

type scriptKey struct {
	pkg   string
	phase string
}

// DefaultScriptRunner runs pkg's script for phase via subprocess.Run,
// exporting ROOT_DIR to the script's environment, the way hook scripts
// receive it.
func DefaultScriptRunner(root string) ScriptRunner {
	return func(ctx context.Context, pkg *pkgdb.Package, phase pkgdb.ScriptPhase) (bool, int, string, error) {
		path, ok := pkg.Scripts[phase]
		if !ok {
			return false, 0, "", nil
		}
		res, err := subprocess.Run(ctx, path, nil, subprocess.Options{
			Dir: root,
			Env: append(os.Environ(), "ROOT_DIR="+root, "PKG_NAME="+pkg.Name, "PKG_VERSION="+pkg.Version),
		})
		if err != nil {
			return true, 0, "", err
		}
		return true, res.ExitCode, combinedOutput(res), nil
	}
}

func combinedOutput(res *subprocess.Result) string {
	if len(res.Stderr) == 0 {
		return string(res.Stdout)
	}
	if len(res.Stdout) == 0 {
		return string(res.Stderr)
	}
	return string(res.Stdout) + string(res.Stderr)
}

// Open prepares an Engine for root, replaying its journal (if any) so that
// maintainer scripts an interrupted prior run already recorded are not
// run again; every other step is re-executed (see recoverFrom).
func Open(root string, db *pkgdb.InstalledDatabase, scripts ScriptRunner) (*Engine, error) {
	path := filepath.Join(root, journalRelPath)
	if err := fsutil.MkdirP(filepath.Dir(path)); err != nil {
		return nil, errors.Wrap(err, "creating journal directory")
	}
	if err := Truncate(path); err != nil {
		return nil, errors.Wrap(err, "truncating corrupt journal tail")
	}
	records, err := ReadRecords(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading journal")
	}
	j, err := OpenJournal(path)
	if err != nil {
		return nil, err
	}
	e := &Engine{Root: root, DB: db, Scripts: scripts, journal: j, journalPath: path, scriptsDone: map[scriptKey]bool{}}
	e.recoverFrom(records)
	return e, nil
}

// recoverFrom reconstructs which maintainer-script invocations already
// completed (and committed a RecScripts record) in a prior, interrupted
// run, so Run skips re-invoking them. Every other record type is written
// before its step's side effect runs (record-before-act, spec.md §4.4),
// so its mere presence in the journal does not tell us the step finished
// — only that it was started — and the corresponding step is always
// replayed idempotently rather than skipped.
func (e *Engine) recoverFrom(records []Record) {
	for _, r := range records {
		if r.Type != RecScripts || len(r.Params) < 2 {
			continue
		}
		e.scriptsDone[scriptKey{string(r.Params[0]), string(r.Params[1])}] = true
	}
}

// Close releases the journal file handle.
func (e *Engine) Close() error {
	return e.journal.Close()
}

// Run executes steps in order, skipping RunScript steps whose script a
// prior interrupted run already recorded, and returns on the first step
// that fails. Maintainer
// script failures do not abort the transaction (spec.md §4.5: a failing
// postinst/prerm is logged and the transaction proceeds), but filesystem
// and database errors do.
func (e *Engine) Run(ctx context.Context, steps []Step) error {
	if err := e.journal.Append(Record{Type: RecStart}); err != nil {
		return err
	}
	for _, step := range steps {
		if step.Kind == RunScript && e.scriptsDone[scriptKey{step.Package, step.Phase}] {
			continue
		}
		if err := e.runStep(ctx, step); err != nil {
			return errors.Wrapf(err, "step %s for %s", step.Kind, step.Package)
		}
	}
	return e.journal.Append(Record{Type: RecFinish})
}

func (e *Engine) runStep(ctx context.Context, step Step) error {
	switch step.Kind {
	case Unpack:
		return e.doUnpack(step)
	case CheckCollisions:
		return e.doCheck(step)
	case RunScript:
		return e.doRunScript(ctx, step)
	case MergeFiles:
		return e.doMerge(step)
	case RemoveFiles:
		return e.doRemove(step)
	case UpdateDB:
		return e.doUpdateDB(step)
	case Cleanup:
		return e.doCleanup(step)
	default:
		return errors.Errorf("unknown step kind %v", step.Kind)
	}
}

// doUnpack commits, before checking anything, that this transaction owns
// the staging directory a prior fetch/unpack phase populated for this
// package (spec.md §4.4: "each transition writes the corresponding
// journal record before performing the filesystem change"), then
// confirms the staging tree is actually present. The actual archive
// extraction (pkg/archive.UnpackPackage) runs before the transaction
// starts, during plan construction; this step is the durability boundary
// marking "this transaction owns this staging tree from here on". The
// check itself is read-only and idempotent, so replaying it after a
// crash costs nothing.
func (e *Engine) doUnpack(step Step) error {
	if err := e.journal.Append(Record{Type: RecUnpacked, Params: [][]byte{[]byte(step.Package), []byte(step.StagingDir)}}); err != nil {
		return err
	}
	if _, err := os.Stat(step.StagingDir); err != nil {
		return errors.Wrapf(err, "staging directory for %s", step.Package)
	}
	return nil
}

// doCheck re-verifies, at commit time, that no file claimed by this
// package is now owned by a different installed package than collision
// detection saw at plan time (a second transaction could have run
// between plan computation and commit, though the engine's lock prevents
// that in normal operation; this is a defense against stale plans). The
// commit record is written first, matching every other non-script record
// type; re-running the check on replay is free.
func (e *Engine) doCheck(step Step) error {
	if err := e.journal.Append(Record{Type: RecChecked, Params: [][]byte{[]byte(step.Package)}}); err != nil {
		return err
	}
	for _, f := range step.Install.Files {
		if owner, ok := e.DB.FileOwner(f.RootPath); ok && owner != step.Package {
			return errors.Errorf("%s now owned by %s, plan is stale", f.RootPath, owner)
		}
	}
	return nil
}

// doRunScript is the one step kind where the journal record follows its
// side effect instead of preceding it (spec.md §4.4: "SCRIPTS is the one
// type that must follow execution since it encodes the result"), since a
// maintainer script is not safe to run twice and recovery relies on the
// record's presence to decide whether to skip it (see recoverFrom).
func (e *Engine) doRunScript(ctx context.Context, step Step) error {
	var ran bool
	var exitCode int
	var output string
	var err error
	if step.StagingDir != "" {
		// Install: the control archive for the incoming package has not
		// been committed to the database yet, so its scripts are run
		// straight out of the staging tree this transaction unpacked.
		ran, exitCode, output, err = e.runStagedScript(ctx, step)
	} else if pkg, ok := e.DB.Packages[step.Package]; ok {
		// Removal: the script path was recorded at install time.
		ran, exitCode, output, err = e.Scripts(ctx, pkg, pkgdb.ScriptPhase(step.Phase))
	}
	if err != nil {
		return errors.Wrapf(err, "running %s script for %s", step.Phase, step.Package)
	}
	if !ran {
		exitCode = 0
	}
	if ran && e.ScriptObserver != nil {
		e.ScriptObserver(step.Package, step.Phase, exitCode, output)
	}
	return e.journal.Append(Record{
		Type:   RecScripts,
		Params: [][]byte{[]byte(step.Package), []byte(step.Phase), []byte(strconv.Itoa(exitCode))},
	})
}

// runStagedScript invokes <StagingDir>/control/<phase> if present.
func (e *Engine) runStagedScript(ctx context.Context, step Step) (bool, int, string, error) {
	path := filepath.Join(step.StagingDir, "control", step.Phase)
	if _, err := os.Stat(path); err != nil {
		return false, 0, "", nil
	}
	res, err := subprocess.Run(ctx, path, nil, subprocess.Options{
		Dir: e.Root,
		Env: append(os.Environ(), "ROOT_DIR="+e.Root, "PKG_NAME="+step.Package),
	})
	if err != nil {
		return true, 0, "", err
	}
	return true, res.ExitCode, combinedOutput(res), nil
}

// doMerge commits the MOVED record before touching the filesystem, then
// moves each owned file into place. Replay after a crash mid-merge must
// be idempotent: for every file whose staging source is already gone
// (because a prior, interrupted attempt already moved it) but whose root
// destination exists, the move is skipped rather than retried against a
// missing source (spec.md §4.4 Replay: "MergeFiles replays as no-op for
// files whose hash matches target"; existence is the practical proxy
// used here since staging sources are deleted by a successful move, not
// merely overwritten).
func (e *Engine) doMerge(step Step) error {
	if err := e.journal.Append(Record{Type: RecMoved, Params: [][]byte{[]byte(step.Package)}}); err != nil {
		return err
	}
	for _, f := range step.Install.Files {
		src := filepath.Join(step.StagingDir, "data", f.StagingPath)
		dst := filepath.Join(e.Root, f.RootPath)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			if _, derr := os.Stat(dst); derr == nil {
				continue // already merged by a prior, interrupted attempt
			}
		}
		if err := fsutil.MkdirP(filepath.Dir(dst)); err != nil {
			return errors.Wrapf(err, "creating parent of %s", dst)
		}
		if err := fsutil.MovePath(src, dst); err != nil {
			return errors.Wrapf(err, "merging %s", f.RootPath)
		}
	}
	return nil
}

// doRemove commits the REMOVED record before deleting anything; replay is
// trivially idempotent since fsutil.RemoveRecursive on an already-missing
// path succeeds (spec.md §8: "remove_recursive(path) on a missing path
// succeeds").
func (e *Engine) doRemove(step Step) error {
	if err := e.journal.Append(Record{Type: RecRemoved, Params: [][]byte{[]byte(step.Package)}}); err != nil {
		return err
	}
	for _, rel := range step.Files {
		if err := fsutil.RemoveRecursive(filepath.Join(e.Root, rel)); err != nil {
			return errors.Wrapf(err, "removing %s", rel)
		}
	}
	return nil
}

// doUpdateDB commits the DB-update record before mutating and saving the
// installed database; replaying the same mutation and Save on a retry is
// a no-op overwrite with identical content.
func (e *Engine) doUpdateDB(step Step) error {
	if err := e.journal.Append(Record{Type: RecDBUpdated, Params: [][]byte{[]byte(step.Package), []byte(step.NewState)}}); err != nil {
		return err
	}
	if step.NewState == "removed" {
		delete(e.DB.Packages, step.Package)
	} else {
		e.DB.Packages[step.Package] = installedPackage(step)
	}
	return errors.Wrap(e.DB.Save(e.Root), "saving installed database")
}

func installedPackage(step Step) *pkgdb.Package {
	pkg := &pkgdb.Package{
		Name:    step.Install.Name,
		Version: step.Install.Version,
		State:   pkgdb.StateInstalled,
	}
	for _, f := range step.Install.Files {
		pkg.Files = append(pkg.Files, pkgdb.FileEntry{Path: f.RootPath})
	}
	return pkg
}

// doCleanup commits the CLEANED record before removing the staging
// directory; replay on an already-removed directory is a no-op success
// (fsutil.RemoveRecursive on a missing path succeeds).
func (e *Engine) doCleanup(step Step) error {
	if err := e.journal.Append(Record{Type: RecCleaned, Params: [][]byte{[]byte(step.Package)}}); err != nil {
		return err
	}
	if step.StagingDir != "" {
		if err := fsutil.RemoveRecursive(step.StagingDir); err != nil {
			return errors.Wrapf(err, "cleaning up staging for %s", step.Package)
		}
	}
	return nil
}

// Abort implements spec.md §4.4's abort path: every staging directory the
// planned steps reference is deleted, the installed database is left as
// the last UpdateDB step recorded it (no further mutation), and the
// journal itself is removed so a subsequent run starts clean rather than
// attempting to replay a transaction the operator chose to discard.
func (e *Engine) Abort(steps []Step) error {
	seen := map[string]bool{}
	for _, step := range steps {
		if step.StagingDir == "" || seen[step.StagingDir] {
			continue
		}
		seen[step.StagingDir] = true
		if err := fsutil.RemoveRecursive(step.StagingDir); err != nil {
			return errors.Wrapf(err, "removing staging dir %s", step.StagingDir)
		}
	}
	if err := e.journal.Close(); err != nil {
		return errors.Wrap(err, "closing journal")
	}
	if err := os.Remove(e.journalPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing journal")
	}
	return nil
}
