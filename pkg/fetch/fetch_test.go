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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/opkg-updater/pkg/sigverify"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		name          string
		raw           string
		parent        string // raw form of parent, constructed first if non-empty
		wantCanonical string
		wantScheme    Scheme
	}{
		{
			name:          "plain data URI",
			raw:           "data:,hello",
			wantCanonical: "data:,hello",
			wantScheme:    SchemeData,
		},
		{
			name:          "base64 data URI",
			raw:           "data:;base64," + base64.StdEncoding.EncodeToString([]byte("hi")),
			wantCanonical: "data:;base64," + base64.StdEncoding.EncodeToString([]byte("hi")),
			wantScheme:    SchemeData,
		},
		{
			name:          "parent inheritance merge",
			raw:           "test",
			parent:        "file:///dev/",
			wantCanonical: "file:///dev/test",
			wantScheme:    SchemeFile,
		},
		{
			name:          "scheme mismatch ignores parent",
			raw:           "http:test",
			parent:        "file:///dev/",
			wantCanonical: "http:test",
			wantScheme:    SchemeHTTP,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var parent *URI
			if tc.parent != "" {
				p, err := New(tc.parent, nil)
				if err != nil {
					t.Fatalf("constructing parent: %v", err)
				}
				parent = p
			}
			u, err := New(tc.raw, parent)
			if err != nil {
				t.Fatalf("New(%q): %v", tc.raw, err)
			}
			if u.Canonical() != tc.wantCanonical {
				t.Errorf("Canonical() = %q, want %q", u.Canonical(), tc.wantCanonical)
			}
			if u.Scheme() != tc.wantScheme {
				t.Errorf("Scheme() = %v, want %v", u.Scheme(), tc.wantScheme)
			}
		})
	}
}

func TestDownloaderBufferSink(t *testing.T) {
	u, err := New("data:,hello", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := NewDownloader(4)
	if err := d.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if failed, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v (failed=%v)", err, failed)
	}
	res, err := u.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if string(res.Data) != "hello" {
		t.Errorf("Data = %q, want %q", res.Data, "hello")
	}
}

func TestDownloaderFileSinkRecordsContentHash(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("package contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	u, err := New("file://"+src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := filepath.Join(dir, "out.bin")
	if err := u.SetOutputFile(out); err != nil {
		t.Fatalf("SetOutputFile: %v", err)
	}
	var seen int
	if err := u.SetProgress(func(n int) { seen += n }); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	d := NewDownloader(1)
	if err := d.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if failed, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v (failed=%v)", err, failed)
	}
	res, err := u.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	wantSum := sha256.Sum256([]byte("package contents"))
	if res.ContentHash != hex.EncodeToString(wantSum[:]) {
		t.Errorf("ContentHash = %q, want %x", res.ContentHash, wantSum)
	}
	if seen != len("package contents") {
		t.Errorf("progress saw %d bytes, want %d", seen, len("package contents"))
	}
}

func TestDownloaderFileSink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("package contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	u, err := New("file://"+src, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := filepath.Join(dir, "out.bin")
	if err := u.SetOutputFile(out); err != nil {
		t.Fatalf("SetOutputFile: %v", err)
	}
	d := NewDownloader(1)
	if err := d.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if failed, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v (failed=%v)", err, failed)
	}
	res, err := u.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "package contents" {
		t.Errorf("content = %q, want %q", got, "package contents")
	}
}

func TestDownloaderReportsFirstFailure(t *testing.T) {
	ok, err := New("data:,fine", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bad, err := New("file:///nonexistent/path/that/does/not/exist", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := NewDownloader(2)
	if err := d.Register(ok); err != nil {
		t.Fatalf("Register ok: %v", err)
	}
	if err := d.Register(bad); err != nil {
		t.Fatalf("Register bad: %v", err)
	}
	failed, err := d.Run(context.Background())
	if err == nil {
		t.Fatal("Run: want error, got nil")
	}
	if failed != bad {
		t.Errorf("Run reported %v, want the failing URI", failed)
	}
	if !errors.Is(err, ErrDownloadFail) {
		t.Errorf("err = %v, want wrapping ErrDownloadFail", err)
	}
}

func TestFinishBeforeRunIsUnfinished(t *testing.T) {
	u, err := New("data:,x", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := u.Finish(); !errors.Is(err, ErrUnfinishedDownload) {
		t.Errorf("Finish before Run: err = %v, want ErrUnfinishedDownload", err)
	}
}

func TestSignatureVerificationSuccess(t *testing.T) {
	pub, priv, err := sigverify.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	content := []byte("trusted package bytes")
	sig := sigverify.Sign(priv, content)

	var pubBuf, sigBuf bytes.Buffer
	if err := sigverify.EncodePublicKey(&pubBuf, pub); err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if err := sigverify.EncodeSignature(&sigBuf, sig); err != nil {
		t.Fatalf("EncodeSignature: %v", err)
	}

	dir := t.TempDir()
	contentPath := filepath.Join(dir, "pkg.ipk")
	sigPath := contentPath + ".sig"
	pubPath := filepath.Join(dir, "key.pub")
	if err := os.WriteFile(contentPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile content: %v", err)
	}
	if err := os.WriteFile(sigPath, sigBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile sig: %v", err)
	}
	if err := os.WriteFile(pubPath, pubBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile pub: %v", err)
	}

	u, err := New("file://"+contentPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keyURI, err := New("file://"+pubPath, nil)
	if err != nil {
		t.Fatalf("New key: %v", err)
	}
	if err := u.AddPubkey(keyURI); err != nil {
		t.Fatalf("AddPubkey: %v", err)
	}

	d := NewDownloader(1)
	if err := d.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if failed, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v (failed=%v)", err, failed)
	}
	res, err := u.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if string(res.Data) != string(content) {
		t.Errorf("Data = %q, want %q", res.Data, content)
	}
}

func TestSignatureVerificationFailsOnMismatchedKey(t *testing.T) {
	_, priv, err := sigverify.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	otherPub, _, err := sigverify.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	content := []byte("trusted package bytes")
	sig := sigverify.Sign(priv, content)

	var pubBuf, sigBuf bytes.Buffer
	if err := sigverify.EncodePublicKey(&pubBuf, otherPub); err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if err := sigverify.EncodeSignature(&sigBuf, sig); err != nil {
		t.Fatalf("EncodeSignature: %v", err)
	}

	dir := t.TempDir()
	contentPath := filepath.Join(dir, "pkg.ipk")
	sigPath := contentPath + ".sig"
	pubPath := filepath.Join(dir, "key.pub")
	if err := os.WriteFile(contentPath, content, 0o644); err != nil {
		t.Fatalf("WriteFile content: %v", err)
	}
	if err := os.WriteFile(sigPath, sigBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile sig: %v", err)
	}
	if err := os.WriteFile(pubPath, pubBuf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile pub: %v", err)
	}

	u, err := New("file://"+contentPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keyURI, err := New("file://"+pubPath, nil)
	if err != nil {
		t.Fatalf("New key: %v", err)
	}
	if err := u.AddPubkey(keyURI); err != nil {
		t.Fatalf("AddPubkey: %v", err)
	}
	out := filepath.Join(dir, "out.bin")
	if err := u.SetOutputFile(out); err != nil {
		t.Fatalf("SetOutputFile: %v", err)
	}

	d := NewDownloader(1)
	if err := d.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := d.Run(context.Background()); err == nil {
		t.Fatal("Run: want error for mismatched key fingerprint")
	}
	if _, err := u.Finish(); !errors.Is(err, ErrVerifyFail) {
		t.Errorf("Finish err = %v, want ErrVerifyFail", err)
	}
	if _, statErr := os.Stat(out); statErr == nil {
		t.Errorf("output file %s was written despite failed verification", out)
	}

	// A second Finish call returns the same terminal error without refetching.
	_, err2 := u.Finish()
	if !errors.Is(err2, ErrVerifyFail) {
		t.Errorf("second Finish err = %v, want ErrVerifyFail", err2)
	}
}

func TestSetOutputFileAfterRegisterFails(t *testing.T) {
	u, err := New("data:,x", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d := NewDownloader(1)
	if err := d.Register(u); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := u.SetOutputFile("/tmp/whatever"); err == nil {
		t.Error("SetOutputFile after Register: want error, got nil")
	}
}
