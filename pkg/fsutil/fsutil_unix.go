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

//go:build linux || darwin

package fsutil

import (
	"io/fs"
	"os"
	"syscall"
)

var unixEXDEV error = syscall.EXDEV

func isDevice(fi fs.FileInfo) bool {
	return fi.Mode()&(os.ModeDevice|os.ModeCharDevice) != 0
}

func copyDevice(src, dst string, fi fs.FileInfo) error {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return wrap("copy", src, errDeviceStat)
	}
	_ = os.Remove(dst)
	mode := uint32(fi.Mode().Perm())
	if fi.Mode()&os.ModeCharDevice != 0 {
		mode |= syscall.S_IFCHR
	} else {
		mode |= syscall.S_IFBLK
	}
	if err := syscall.Mknod(dst, mode, int(stat.Rdev)); err != nil {
		return wrap("copy", dst, err)
	}
	return nil
}
