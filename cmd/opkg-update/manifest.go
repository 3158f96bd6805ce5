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
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Manifest is the already-resolved install/remove list the engine
// consumes (spec.md §1: "the engine receives an already-resolved plan").
// Producing it is the SAT-based dependency solver's job and is out of
// scope here; the manifest is just that solver's output serialized to a
// file so this CLI can drive the core subsystems end to end.
type Manifest struct {
	Installs []ManifestInstall `json:"installs"`
	Removes  []string          `json:"removes"`
}

// ManifestInstall names one package to install or upgrade. Exactly one of
// Archive (a local path, already downloaded) or URI (fetched through
// pkg/fetch before unpacking) must be set.
type ManifestInstall struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Archive string   `json:"archive,omitempty"`
	URI     string   `json:"uri,omitempty"`
	Sig     string   `json:"sig,omitempty"`
	Pubkeys []string `json:"pubkeys,omitempty"`
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parsing manifest")
	}
	for _, in := range m.Installs {
		if in.Name == "" {
			return nil, errors.New("manifest install entry missing name")
		}
		if (in.Archive == "") == (in.URI == "") {
			return nil, errors.Errorf("%s: exactly one of archive or uri must be set", in.Name)
		}
	}
	return &m, nil
}
