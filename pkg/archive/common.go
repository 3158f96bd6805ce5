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

// Package archive opens the nested archive format used for packages: an
// outer tar holding a control sub-archive and a data sub-archive, each
// independently compressed. It exposes extraction to disk and random
// access to individual members of a named sub-archive without
// materializing the whole thing.
package archive

import "github.com/pkg/errors"

// Format identifies a compression wrapper around a tar stream.
type Format int

const (
	UnknownFormat Format = iota
	GzipFormat
	XzFormat
	RawFormat
)

// ErrUnsupportedFormat names an unsupported compression. No function in
// this package returns it: Decompress passes a stream with no recognized
// magic bytes through unchanged as RawFormat.
var ErrUnsupportedFormat = errors.New("unsupported archive compression")

// ErrPathTraversal is returned when a member's sanitized name would escape
// the extraction root.
var ErrPathTraversal = errors.New("archive member path escapes destination")

const (
	gzipMagic0, gzipMagic1 = 0x1f, 0x8b
	xzMagic                = "\xfd7zXZ\x00"
)

// detectFormat peeks at up to 6 bytes to identify the compression of buf.
func detectFormat(buf []byte) Format {
	if len(buf) >= 2 && buf[0] == gzipMagic0 && buf[1] == gzipMagic1 {
		return GzipFormat
	}
	if len(buf) >= len(xzMagic) && string(buf[:len(xzMagic)]) == xzMagic {
		return XzFormat
	}
	return RawFormat
}
