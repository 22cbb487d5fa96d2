// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotMapped is the cause of a Fault for an address absent from the dump.
var ErrNotMapped = errors.New("address not present in dump")

// A Fault reports a failed read against a dump image.
type Fault struct {
	Addr Address
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("memory fault at %s: %v", f.Addr, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsFault reports whether err is, or wraps, a memory fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// An Accessor reads bytes out of a possibly sparse memory image.
// ReadAt fills b completely or fails with a *Fault.
type Accessor interface {
	ReadAt(b []byte, a Address) error
}

// Memory is a sparse, page granular memory image.
// It is built once with Add and is read-only afterwards.
type Memory struct {
	memory    splicedMemory
	pageTable pageTable
}

// NewMemory returns an empty image.
func NewMemory() *Memory {
	return &Memory{}
}

// Add maps data at min. Both min and len(data) must be multiples of PageSize.
// Previously added pages overlapped by the new region are replaced.
func (m *Memory) Add(min Address, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if Address(len(data))%PageSize != 0 {
		return errors.Errorf("mapping length 0x%x isn't a multiple of 4096", len(data))
	}
	n := &Mapping{min: min, max: min + Address(len(data)), contents: data}
	if n.max < n.min {
		return errors.Errorf("mapping at %s wraps the address space", min)
	}
	if min%PageSize != 0 {
		return errors.Errorf("mapping start %s isn't a multiple of 4096", min)
	}
	for _, c := range m.memory.add(n) {
		if err := m.pageTable.addMapping(c); err != nil {
			return err
		}
	}
	return nil
}

// Mappings returns the mappings of the image sorted by address.
func (m *Memory) Mappings() []*Mapping {
	return m.memory.mappings
}

// MappingAt returns the mapping containing a, or nil.
func (m *Memory) MappingAt(a Address) *Mapping {
	return m.pageTable.findMapping(a)
}

// Range returns the bounds of the contiguous mapped range containing a.
func (m *Memory) Range(a Address) (min, max Address, ok bool) {
	return m.memory.rangeOf(a)
}

// Readable reports whether the address a is present in the image.
func (m *Memory) Readable(a Address) bool {
	return m.pageTable.findMapping(a) != nil
}

// ReadAt implements Accessor.
func (m *Memory) ReadAt(b []byte, a Address) error {
	for len(b) > 0 {
		mp := m.pageTable.findMapping(a)
		if mp == nil {
			return &Fault{Addr: a, Err: ErrNotMapped}
		}
		n := copy(b, mp.contents[a.Sub(mp.min):])
		b = b[n:]
		a = a.Add(int64(n))
	}
	return nil
}
