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

// Package txn is the transaction engine: the on-disk journal, the ordered
// execution of package lifecycle steps produced by pkg/plan, and the
// crash-recovery protocol that lets an interrupted transaction resume or
// roll back without leaving the root filesystem unbootable (spec.md §4.4).
package txn

// StepKind identifies one of the seven atomic units of work the engine
// commits to (spec.md §3, TransactionStep).
type StepKind int

const (
	Unpack StepKind = iota
	CheckCollisions
	RunScript
	MergeFiles
	RemoveFiles
	UpdateDB
	Cleanup
)

func (k StepKind) String() string {
	switch k {
	case Unpack:
		return "Unpack"
	case CheckCollisions:
		return "CheckCollisions"
	case RunScript:
		return "RunScript"
	case MergeFiles:
		return "MergeFiles"
	case RemoveFiles:
		return "RemoveFiles"
	case UpdateDB:
		return "UpdateDB"
	case Cleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// Step is one TransactionStep, serializable to the journal as a
// (type_tag, parameter_tuple). Not every field is meaningful for every
// Kind; see pkg/plan's orderSteps for how each variant is populated.
type Step struct {
	Kind       StepKind
	Package    string
	Phase      string   // RunScript
	StagingDir string   // Unpack, MergeFiles, Cleanup, install-side RunScript
	Files      []string // RemoveFiles
	NewState   string   // UpdateDB

	// Install carries the full package descriptor for Unpack,
	// CheckCollisions, MergeFiles and UpdateDB steps belonging to an
	// install/upgrade, since that
	// descriptor (including the file list that MergeFiles moves into
	// place) does not yet exist in the installed database at the point
	// these steps run.
	Install PackageRef
}

// PackageRef is the subset of an incoming package the engine needs to
// merge its files and record it as installed. pkg/plan populates it from
// the change's package name and version and its file claims.
type PackageRef struct {
	Name    string
	Version string
	Files   []PackageFile
}

// PackageFile is one file the incoming package owns, named relative to
// its staging directory and mapped onto its final root-relative path.
type PackageFile struct {
	// StagingPath is relative to the step's StagingDir.
	StagingPath string
	// RootPath is relative to the engine's root directory.
	RootPath string
}
