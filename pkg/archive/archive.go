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

	"github.com/go-git/go-billy/v5"
	"github.com/pkg/errors"
)

// ExtractTo decompresses src (autodetecting its compression) and extracts
// the resulting tar stream into fsys, sanitizing member paths and skipping
// device/FIFO/socket entries per spec.md §4.2.
func ExtractTo(fsys billy.Filesystem, src io.Reader) error {
	dr, err := Decompress(src, DecompressFlags{})
	if err != nil {
		return errors.Wrap(err, "decompressing archive")
	}
	defer dr.Close()
	return extractTarTo(fsys, tar.NewReader(dr))
}
