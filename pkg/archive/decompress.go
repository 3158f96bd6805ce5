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
	"bufio"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// DecompressFlags controls Decompress behavior.
type DecompressFlags struct {
	// Autoclose forwards Close to the underlying stream when the returned
	// reader is closed, if the underlying stream is an io.Closer.
	Autoclose bool
}

type decompressedStream struct {
	io.Reader
	underlying io.Reader
	closeInner func() error
	autoclose  bool
}

func (d *decompressedStream) Close() error {
	var err error
	if d.closeInner != nil {
		err = d.closeInner()
	}
	if d.autoclose {
		if c, ok := d.underlying.(io.Closer); ok {
			if cerr := c.Close(); err == nil {
				err = cerr
			}
		}
	}
	return err
}

// Decompress wraps src, autodetecting gzip or xz framing from its leading
// bytes and yielding decompressed content as a readable stream. A stream
// with no recognized magic is assumed to already be a plain tar and is
// passed through unchanged.
func Decompress(src io.Reader, flags DecompressFlags) (io.ReadCloser, error) {
	br := bufio.NewReader(src)
	peek, _ := br.Peek(6)
	switch detectFormat(peek) {
	case GzipFormat:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "initializing gzip reader")
		}
		return &decompressedStream{Reader: gzr, underlying: src, closeInner: gzr.Close, autoclose: flags.Autoclose}, nil
	case XzFormat:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "initializing xz reader")
		}
		return &decompressedStream{Reader: xzr, underlying: src, autoclose: flags.Autoclose}, nil
	default:
		return &decompressedStream{Reader: br, underlying: src, autoclose: flags.Autoclose}, nil
	}
}
