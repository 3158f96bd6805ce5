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
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/fetch"
)

// resolveArchives downloads every ManifestInstall whose URI field is set,
// writing each to a file under downloadDir, and returns the local path for
// every install in the same order Archive entries already had (spec.md
// §4.1: the downloader retrieves packages to files; signature verification
// is wired in when the install names pubkeys).
func resolveArchives(ctx context.Context, installs []ManifestInstall, downloadDir string, parallelism int) ([]string, error) {
	paths := make([]string, len(installs))
	d := fetch.NewDownloader(parallelism)
	var remote []int
	for i, in := range installs {
		if in.Archive != "" {
			paths[i] = in.Archive
			continue
		}
		u, err := fetch.New(in.URI, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: parsing uri %q", in.Name, in.URI)
		}
		dest := filepath.Join(downloadDir, in.Name+"-"+in.Version+".pkg")
		if err := u.SetOutputFile(dest); err != nil {
			return nil, errors.Wrapf(err, "%s: output sink", in.Name)
		}
		if in.Sig != "" {
			sigURI, err := fetch.New(in.Sig, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: parsing sig uri %q", in.Name, in.Sig)
			}
			if err := u.SetSig(sigURI); err != nil {
				return nil, errors.Wrapf(err, "%s: sig uri", in.Name)
			}
		}
		for _, keyURI := range in.Pubkeys {
			k, err := fetch.New(keyURI, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: parsing pubkey uri %q", in.Name, keyURI)
			}
			if err := u.AddPubkey(k); err != nil {
				return nil, errors.Wrapf(err, "%s: pubkey uri", in.Name)
			}
		}
		if err := d.Register(u); err != nil {
			return nil, errors.Wrapf(err, "%s: registering download", in.Name)
		}
		paths[i] = dest
		remote = append(remote, i)
	}
	if len(remote) == 0 {
		return paths, nil
	}
	if failed, err := d.Run(ctx); err != nil {
		return nil, errors.Wrapf(err, "downloading %s", failed.Canonical())
	}
	return paths, nil
}
