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

package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// teeWriter fans a single io.Copy out to a sink, a running content hash, and
// an optional progress callback, the Go counterpart of the original's
// src/lib/multiwrite.c (which looped a write(2) over a list of file
// descriptors). Go's io.MultiWriter already expresses "write once, fan out
// to N io.Writers"; teeWriter adds the hash and progress accounting
// multiwrite.c didn't have a notion of, since C had no equivalent io.Writer
// interface to build on.
type teeWriter struct {
	sink     io.Writer
	hash     hash.Hash
	progress func(n int)
	written  int64
}

// newTeeWriter wraps sink so that every byte copied into the returned
// io.Writer is simultaneously written to sink, folded into a SHA-256
// content hash, and (if progress is non-nil) reported to progress.
func newTeeWriter(sink io.Writer, progress func(n int)) *teeWriter {
	return &teeWriter{sink: sink, hash: sha256.New(), progress: progress}
}

func (t *teeWriter) Write(p []byte) (int, error) {
	n, err := t.sink.Write(p)
	if n > 0 {
		t.hash.Write(p[:n])
		t.written += int64(n)
		if t.progress != nil {
			t.progress(n)
		}
	}
	return n, err
}

// sum returns the hex-encoded SHA-256 of everything written so far.
func (t *teeWriter) sum() string {
	return hex.EncodeToString(t.hash.Sum(nil))
}
