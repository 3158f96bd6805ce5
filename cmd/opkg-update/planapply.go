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
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/changelog"
	"github.com/google/opkg-updater/pkg/pkgdb"
	"github.com/google/opkg-updater/pkg/txn"
)

// planFile is the on-disk form of a pre-resolved []txn.Step, produced by
// some other run of "opkg-update update" or by a test harness. This
// mirrors turris-updater's standalone "pkgtransaction" tool, which applies
// a plan file straight against the root filesystem without recomputing it
// (SPEC_FULL.md §4 supplement).
type planFile struct {
	Steps []txn.Step `json:"steps"`
}

func loadPlanFile(path string) ([]txn.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading plan file")
	}
	var pf planFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, errors.Wrap(err, "parsing plan file")
	}
	return pf.Steps, nil
}

// runPlanApply feeds a pre-resolved plan straight to the transaction
// engine, skipping dependency resolution and collision detection
// entirely: the caller is asserting the plan is already known-good.
func runPlanApply(ctx context.Context, cfg Config, planPath string) int {
	steps, err := loadPlanFile(planPath)
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

	cl, err := changelog.Open(cfg.changelogPath())
	if err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer cl.Close()

	cl.Start(time.Now().Unix(), uuid.NewString())
	err = applySteps(ctx, cfg, db, steps, cl)
	cl.End(time.Now().Unix())
	if err != nil {
		log.Printf("transaction failed: %v", err)
		return 2
	}
	return 0
}
