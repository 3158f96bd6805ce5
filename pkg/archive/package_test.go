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
	"compress/gzip"
	"crypto"
	"os"
	"path/filepath"
	"testing"
)

// buildOuterPackage writes a package archive containing gzip-compressed
// control and data sub-archives, for use across this file's tests.
func buildOuterPackage(t *testing.T) string {
	t.Helper()
	controlTar := buildTar(t,
		[]*tar.Header{{Name: "control", Typeflag: tar.TypeReg, Mode: 0o644, Size: 11}},
		[][]byte{[]byte("pkgname 1.0")},
	)
	dataTar := buildTar(t,
		[]*tar.Header{{Name: "./usr/bin/thing", Typeflag: tar.TypeReg, Mode: 0o755, Size: 7}},
		[][]byte{[]byte("#!/bin\n")},
	)

	gzipOf := func(b []byte) []byte {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		gw.Write(b)
		gw.Close()
		return buf.Bytes()
	}
	controlGz := gzipOf(controlTar)
	dataGz := gzipOf(dataTar)

	outer := buildTar(t,
		[]*tar.Header{
			{Name: "debian-binary", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4},
			{Name: "control.tar.gz", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(controlGz))},
			{Name: "data.tar.gz", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(dataGz))},
		},
		[][]byte{[]byte("2.0\n"), controlGz, dataGz},
	)

	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.ipk")
	if err := os.WriteFile(path, outer, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestUnpackPackage(t *testing.T) {
	pkgPath := buildOuterPackage(t)
	destDir := t.TempDir()

	ok, err := UnpackPackage(pkgPath, destDir)
	if err != nil {
		t.Fatalf("UnpackPackage: %v", err)
	}
	if !ok {
		t.Fatal("UnpackPackage returned false, want true")
	}

	control, err := os.ReadFile(filepath.Join(destDir, "control", "control"))
	if err != nil {
		t.Fatalf("reading extracted control file: %v", err)
	}
	if string(control) != "pkgname 1.0" {
		t.Errorf("control content = %q, want %q", control, "pkgname 1.0")
	}

	data, err := os.ReadFile(filepath.Join(destDir, "data", "usr", "bin", "thing"))
	if err != nil {
		t.Fatalf("reading extracted data file: %v", err)
	}
	if string(data) != "#!/bin\n" {
		t.Errorf("data content = %q, want %q", data, "#!/bin\n")
	}
}

func TestUnpackPackageMissingSubArchive(t *testing.T) {
	controlTar := buildTar(t,
		[]*tar.Header{{Name: "control", Typeflag: tar.TypeReg, Mode: 0o644, Size: 3}},
		[][]byte{[]byte("abc")},
	)
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write(controlTar)
	gw.Close()
	outer := buildTar(t,
		[]*tar.Header{{Name: "control.tar.gz", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(buf.Len())}},
		[][]byte{buf.Bytes()},
	)
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.ipk")
	if err := os.WriteFile(path, outer, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := UnpackPackage(path, t.TempDir()); err == nil {
		t.Fatal("UnpackPackage: want error for missing data sub-archive")
	}
}

func TestRandomAccessHelpersAgreeWithUnpack(t *testing.T) {
	pkgPath := buildOuterPackage(t)

	size, err := FileSizeInInner(pkgPath, "data", "./usr/bin/thing")
	if err != nil {
		t.Fatalf("FileSizeInInner: %v", err)
	}
	if size != 7 {
		t.Errorf("size = %d, want 7", size)
	}

	content, err := ExtractInnerToMemory(pkgPath, "data", "./usr/bin/thing")
	if err != nil {
		t.Fatalf("ExtractInnerToMemory: %v", err)
	}
	if string(content) != "#!/bin\n" {
		t.Errorf("content = %q, want %q", content, "#!/bin\n")
	}

	digest, err := HashInnerFile(pkgPath, "data", "./usr/bin/thing", crypto.SHA256)
	if err != nil {
		t.Fatalf("HashInnerFile: %v", err)
	}
	if len(digest) != crypto.SHA256.Size() {
		t.Errorf("digest length = %d, want %d", len(digest), crypto.SHA256.Size())
	}

	if _, err := ExtractInnerToMemory(pkgPath, "data", "./no/such/file"); err == nil {
		t.Fatal("ExtractInnerToMemory: want error for missing file")
	}
	if _, err := FileSizeInInner(pkgPath, "control", "./no/such/file"); err == nil {
		t.Fatal("FileSizeInInner: want error for missing file")
	}
}
