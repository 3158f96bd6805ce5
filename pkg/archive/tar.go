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
	"log"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// sanitizeMemberPath normalizes a tar member name per spec: a leading "./"
// is added if absent, and absolute paths or ".." traversal are rejected.
func sanitizeMemberPath(name string) (string, error) {
	if name == "" {
		return "", errors.Wrap(ErrPathTraversal, "empty member name")
	}
	if strings.HasPrefix(name, "/") {
		return "", errors.Wrapf(ErrPathTraversal, "%q is absolute", name)
	}
	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Wrapf(ErrPathTraversal, "%q escapes destination", name)
	}
	if cleaned == "." {
		return cleaned, nil
	}
	return "./" + cleaned, nil
}

// extractTarTo writes every member of tr into fsys, sanitizing paths and
// dispatching on entry type. Device and FIFO entries are skipped with a
// warning; any other non-regular, non-directory, non-symlink entry
// (sockets included, on the rare implementation that can tar one) is
// skipped silently, matching spec.md §4.2.
func extractTarTo(fsys billy.Filesystem, tr *tar.Reader) error {
	for {
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar header")
		}
		name, err := sanitizeMemberPath(h.Name)
		if err != nil {
			return err
		}
		switch h.Typeflag {
		case tar.TypeSymlink:
			if err := fsys.Symlink(h.Linkname, name); err != nil {
				return errors.Wrapf(err, "symlinking %s", name)
			}
		case tar.TypeDir:
			if err := fsys.MkdirAll(name, h.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "mkdir %s", name)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := writeRegular(fsys, name, tr, h); err != nil {
				return err
			}
		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			log.Printf("archive: skipping device/FIFO member %s", name)
		default:
			// Includes sockets, which POSIX tar has no typeflag for but
			// which some non-standard producers mark with an unreserved
			// flag; skip quietly rather than fail the whole extraction.
		}
	}
}

func writeRegular(fsys billy.Filesystem, name string, r io.Reader, h *tar.Header) error {
	if dir := path.Dir(name); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, h.FileInfo().Mode())
	if err != nil {
		return errors.Wrapf(err, "opening %s for write", name)
	}
	if _, err := io.Copy(f, io.LimitReader(r, h.Size)); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", name)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", name)
	}
	// Preserve mtime on OS-backed filesystems; billy.Filesystem has no
	// Chtimes of its own, so this reaches under the abstraction via Root.
	if root := fsys.Root(); root != "" {
		full := root + string(os.PathSeparator) + name
		if err := os.Chtimes(full, h.ModTime, h.ModTime); err != nil {
			log.Printf("archive: preserving mtime for %s: %v", name, err)
		}
	}
	return nil
}
