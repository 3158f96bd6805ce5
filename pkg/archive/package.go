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

package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"

	"github.com/google/opkg-updater/pkg/fsutil"
)

// subArchiveDir maps the leading component of an outer-archive member name
// (e.g. "control.tar.gz") to the destination subdirectory it unpacks into.
func subArchiveDir(name string) (string, bool) {
	base := filepath.Base(name)
	switch {
	case strings.HasPrefix(base, "control."):
		return "control", true
	case strings.HasPrefix(base, "data."):
		return "data", true
	default:
		return "", false
	}
}

// UnpackPackage extracts both sub-archives of the outer package archive at
// path into destDir/control/ and destDir/data/, creating destDir if absent.
// It returns true once both sub-archives have been found and extracted.
func UnpackPackage(path, destDir string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrap(err, "opening package archive")
	}
	defer f.Close()

	if err := fsutil.MkdirP(destDir); err != nil {
		return false, errors.Wrap(err, "creating destination directory")
	}

	var sawControl, sawData bool
	tr := tar.NewReader(f)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, errors.Wrap(err, "reading outer archive")
		}
		sub, ok := subArchiveDir(h.Name)
		if !ok || h.Typeflag != tar.TypeReg {
			continue
		}
		subDir := filepath.Join(destDir, sub)
		if err := fsutil.MkdirP(subDir); err != nil {
			return false, errors.Wrapf(err, "creating %s", subDir)
		}
		dr, err := Decompress(io.LimitReader(tr, h.Size), DecompressFlags{})
		if err != nil {
			return false, errors.Wrapf(err, "decompressing %s", h.Name)
		}
		err = extractTarTo(osfs.New(subDir), tar.NewReader(dr))
		dr.Close()
		if err != nil {
			return false, errors.Wrapf(err, "extracting %s", h.Name)
		}
		switch sub {
		case "control":
			sawControl = true
		case "data":
			sawData = true
		}
	}
	if !sawControl || !sawData {
		return false, errors.Errorf("package archive missing control or data sub-archive (control=%v data=%v)", sawControl, sawData)
	}
	return true, nil
}
