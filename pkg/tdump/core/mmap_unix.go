// Copyright 2018 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package core

import (
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	mapFile = mmapReadOnly
	unmapFile = unix.Munmap
}

// mmapReadOnly maps the first size bytes of f as shared, read-only pages.
func mmapReadOnly(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
}
