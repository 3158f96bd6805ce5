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

// Package fsutil provides the atomic filesystem primitives the transaction
// engine builds on: moves, recursive copy/remove, directory creation, and
// filtered directory listings.
package fsutil

import (
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Error is the uniform descriptor callers use to report primitive
// failures: the operation name, the path involved, and the underlying
// cause. It replaces the thread-local "last operation" descriptor of the
// original implementation with an explicit, concurrency-safe error value.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return errors.Wrapf(e.Err, "%s %s", e.Op, e.Path).Error()
}

func (e *Error) Unwrap() error { return e.Err }

var errDeviceStat = errors.New("unable to read device numbers from stat_t")

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Err: err}
}

// MovePath attempts a rename of src to dst. If the rename fails because
// src and dst are on different filesystems (EXDEV), it falls back to a
// recursive copy of src to dst followed by a recursive remove of src.
func MovePath(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return wrap("move", src, err)
	}
	if err := CopyPath(src, dst); err != nil {
		return err
	}
	return RemoveRecursive(src)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unixEXDEV)
}

// CopyPath recursively copies src to dst, dispatching on the source file
// type: regular files are streamed with mode preserved, symlinks are
// recreated, directories are walked and recreated, device nodes are
// recreated with mknod. FIFOs and sockets are skipped with a warning since
// they cannot be usefully "installed".
func CopyPath(src, dst string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return wrap("copy", src, err)
	}
	return copyEntry(src, dst, fi)
}

func copyEntry(src, dst string, fi fs.FileInfo) error {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return wrap("copy", src, err)
		}
		_ = os.Remove(dst)
		if err := os.Symlink(target, dst); err != nil {
			return wrap("copy", dst, err)
		}
		return nil
	case fi.IsDir():
		if err := os.MkdirAll(dst, fi.Mode().Perm()); err != nil {
			return wrap("copy", dst, err)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return wrap("copy", src, err)
		}
		for _, ent := range entries {
			childFi, err := ent.Info()
			if err != nil {
				return wrap("copy", filepath.Join(src, ent.Name()), err)
			}
			if err := copyEntry(filepath.Join(src, ent.Name()), filepath.Join(dst, ent.Name()), childFi); err != nil {
				return err
			}
		}
		return nil
	case isDevice(fi):
		return copyDevice(src, dst, fi)
	case fi.Mode()&os.ModeNamedPipe != 0:
		// FIFO: warn-skip.
		log.Printf("fsutil: skipping FIFO %s", src)
		return nil
	case fi.Mode()&os.ModeSocket != 0:
		// Socket: warn-skip.
		log.Printf("fsutil: skipping socket %s", src)
		return nil
	default:
		return copyRegular(src, dst, fi)
	}
}

func copyRegular(src, dst string, fi fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return wrap("copy", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return wrap("copy", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return wrap("copy", dst, err)
	}
	if err := out.Close(); err != nil {
		return wrap("copy", dst, err)
	}
	return wrap("copy", dst, os.Chmod(dst, fi.Mode().Perm()))
}

// RemoveRecursive removes path and everything beneath it. A missing path
// is treated as success.
func RemoveRecursive(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return wrap("remove", path, err)
	}
	return nil
}

// MkdirP creates path along with any missing parents. An already-existing
// directory is success; an already-existing non-directory is an error.
func MkdirP(path string) error {
	fi, err := os.Stat(path)
	if err == nil {
		if !fi.IsDir() {
			return wrap("mkdir", path, errors.New("exists and is not a directory"))
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return wrap("mkdir", path, err)
	}
	return wrap("mkdir", path, os.MkdirAll(path, 0o755))
}

// FileFilter selects which file types DirTreeList should return.
type FileFilter int

const (
	// FilterAll matches every entry.
	FilterAll FileFilter = iota
	// FilterRegular matches only regular files.
	FilterRegular
	// FilterDir matches only directories.
	FilterDir
)

// DirTreeList returns an alphabetized, recursive listing of path filtered
// by the given file type mask. Paths are returned relative to path.
func DirTreeList(path string, filter FileFilter) ([]string, error) {
	var out []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == path {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		switch filter {
		case FilterRegular:
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
		case FilterDir:
			if !d.IsDir() {
				return nil
			}
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, wrap("list", path, err)
	}
	sort.Strings(out)
	return out, nil
}

// PathExists reports whether path exists on disk (following symlinks).
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
