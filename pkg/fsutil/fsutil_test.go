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

package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMovePathSameDevice(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := MovePath(src, dst); err != nil {
		t.Fatalf("MovePath() error = %v", err)
	}
	if PathExists(src) {
		t.Error("src still exists after move")
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "content" {
		t.Errorf("dst content = %q, want %q", got, "content")
	}
}

func TestCopyPathDirectory(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "f.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("f.txt", filepath.Join(src, "nested", "link")); err != nil {
		t.Fatal(err)
	}
	if err := CopyPath(src, dst); err != nil {
		t.Fatalf("CopyPath() error = %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "nested", "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Errorf("copied content = %q, want %q", got, "hi")
	}
	target, err := os.Readlink(filepath.Join(dst, "nested", "link"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "f.txt" {
		t.Errorf("symlink target = %q, want %q", target, "f.txt")
	}
}

func TestRemoveRecursiveMissingIsSuccess(t *testing.T) {
	if err := RemoveRecursive(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("RemoveRecursive(missing) error = %v, want nil", err)
	}
}

func TestMkdirPExistingNonDirectoryFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := MkdirP(path); err == nil {
		t.Error("MkdirP() over existing file succeeded, want error")
	}
}

func TestMkdirPExistingDirectoryIsSuccess(t *testing.T) {
	dir := t.TempDir()
	if err := MkdirP(dir); err != nil {
		t.Errorf("MkdirP(existing dir) error = %v", err)
	}
}

func TestDirTreeListAlphabetized(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"b.txt", "a.txt", "c/d.txt"} {
		full := filepath.Join(dir, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := DirTreeList(dir, FilterRegular)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.txt", "b.txt", filepath.Join("c", "d.txt")}
	if len(got) != len(want) {
		t.Fatalf("DirTreeList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DirTreeList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
