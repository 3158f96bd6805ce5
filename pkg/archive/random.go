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
	"bytes"
	"crypto"
	_ "crypto/sha256" // register crypto.SHA256 for HashInnerFile callers
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrMemberNotFound is returned by the random-access helpers when the
// requested sub-archive or file within it cannot be located.
var ErrMemberNotFound = errors.New("archive member not found")

// withInnerFile locates file within the named sub-archive of the outer
// package archive at outerPath and invokes fn with a reader positioned at
// its content and its declared size, without extracting anything else.
func withInnerFile(outerPath, innerName, file string, fn func(r io.Reader, size int64) error) error {
	wantName, err := sanitizeMemberPath(file)
	if err != nil {
		return err
	}

	f, err := os.Open(outerPath)
	if err != nil {
		return errors.Wrap(err, "opening package archive")
	}
	defer f.Close()

	outer := tar.NewReader(f)
	for {
		h, err := outer.Next()
		if err == io.EOF {
			return errors.Wrapf(ErrMemberNotFound, "sub-archive %q", innerName)
		}
		if err != nil {
			return errors.Wrap(err, "reading outer archive")
		}
		sub, ok := subArchiveDir(h.Name)
		if !ok || sub != innerName || h.Typeflag != tar.TypeReg {
			continue
		}
		dr, err := Decompress(io.LimitReader(outer, h.Size), DecompressFlags{})
		if err != nil {
			return errors.Wrapf(err, "decompressing %s", h.Name)
		}
		defer dr.Close()

		inner := tar.NewReader(dr)
		for {
			ih, err := inner.Next()
			if err == io.EOF {
				return errors.Wrapf(ErrMemberNotFound, "%s in %s", file, innerName)
			}
			if err != nil {
				return errors.Wrap(err, "reading inner archive")
			}
			name, err := sanitizeMemberPath(ih.Name)
			if err != nil {
				return err
			}
			if name != wantName {
				continue
			}
			return fn(inner, ih.Size)
		}
	}
}

// FileSizeInInner returns the declared size of file within the named
// sub-archive of the package archive at outerPath.
func FileSizeInInner(outerPath, innerName, file string) (int64, error) {
	var size int64
	err := withInnerFile(outerPath, innerName, file, func(_ io.Reader, n int64) error {
		size = n
		return nil
	})
	return size, err
}

// ExtractInnerToMemory reads file's full content out of the named
// sub-archive without extracting the rest of the package.
func ExtractInnerToMemory(outerPath, innerName, file string) ([]byte, error) {
	var buf bytes.Buffer
	err := withInnerFile(outerPath, innerName, file, func(r io.Reader, size int64) error {
		_, err := io.CopyN(&buf, r, size)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HashInnerFile streams file's content out of the named sub-archive through
// algo, returning the resulting digest without buffering the whole file.
func HashInnerFile(outerPath, innerName, file string, algo crypto.Hash) ([]byte, error) {
	if !algo.Available() {
		return nil, errors.Errorf("hash algorithm %v not registered", algo)
	}
	h := algo.New()
	err := withInnerFile(outerPath, innerName, file, func(r io.Reader, size int64) error {
		_, err := io.CopyN(h, r, size)
		return err
	})
	if err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
