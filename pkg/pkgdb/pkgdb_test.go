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

package pkgdb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingStatusFileIsEmpty(t *testing.T) {
	db, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(db.Packages) != 0 {
		t.Errorf("Packages = %v, want empty", db.Packages)
	}
}

func TestParseStatusStanzas(t *testing.T) {
	root := t.TempDir()
	statusDir := filepath.Join(root, "usr", "lib", "opkg")
	if err := os.MkdirAll(statusDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	status := "Package: libfoo\n" +
		"Version: 1.2\n" +
		"Architecture: mips\n" +
		"Status: installed\n" +
		"Depends: libbar (>= 2.0), libbaz\n" +
		"\n" +
		"Package: libbar\n" +
		"Version: 2.1\n" +
		"Architecture: mips\n" +
		"Status: installed\n" +
		"\n"
	if err := os.WriteFile(filepath.Join(statusDir, "status"), []byte(status), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	db, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(db.Packages) != 2 {
		t.Fatalf("Packages = %d, want 2", len(db.Packages))
	}
	foo := db.Packages["libfoo"]
	if foo == nil {
		t.Fatal("libfoo missing")
	}
	if foo.Version != "1.2" || foo.Architecture != "mips" || foo.State != StateInstalled {
		t.Errorf("libfoo = %+v, unexpected fields", foo)
	}
	if len(foo.Depends) != 2 || foo.Depends[0].Name != "libbar" || foo.Depends[0].VersionOp != ">=" || foo.Depends[0].Version != "2.0" {
		t.Errorf("libfoo.Depends = %+v, unexpected", foo.Depends)
	}
	if foo.Depends[1].Name != "libbaz" {
		t.Errorf("libfoo.Depends[1] = %+v, want libbaz", foo.Depends[1])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	db := New()
	db.Packages["libfoo"] = &Package{
		Name:         "libfoo",
		Version:      "1.0",
		Architecture: "mips",
		State:        StateInstalled,
		Depends:      []Constraint{{Name: "libbar", VersionOp: ">=", Version: "1.0"}},
		Files:        []FileEntry{{Path: "/usr/lib/libfoo.so", Hash: "deadbeef"}},
		Conffiles:    []string{"/etc/libfoo.conf"},
	}
	if err := db.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	foo := got.Packages["libfoo"]
	if foo == nil {
		t.Fatal("libfoo missing after round trip")
	}
	if foo.Version != "1.0" || foo.Architecture != "mips" {
		t.Errorf("round-tripped package = %+v", foo)
	}
	if len(foo.Files) != 1 || foo.Files[0].Path != "/usr/lib/libfoo.so" || foo.Files[0].Hash != "deadbeef" {
		t.Errorf("Files = %+v", foo.Files)
	}
	if len(foo.Conffiles) != 1 || foo.Conffiles[0] != "/etc/libfoo.conf" {
		t.Errorf("Conffiles = %+v", foo.Conffiles)
	}
	owner, ok := got.FileOwner("/usr/lib/libfoo.so")
	if !ok || owner != "libfoo" {
		t.Errorf("FileOwner = %q,%v want libfoo,true", owner, ok)
	}
}
