// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "fmt"

// An Address is a location in a dumped address space.
type Address uint64

// PageSize is the granularity of dump images and of module sections.
const PageSize Address = 1 << 12

// Sub subtracts b from a. Requires a >= b.
func (a Address) Sub(b Address) int64 {
	return int64(a - b)
}

// Add adds x to address a.
func (a Address) Add(x int64) Address {
	return a + Address(x)
}

// Max returns the larger of a and b.
func (a Address) Max(b Address) Address {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func (a Address) Min(b Address) Address {
	if a < b {
		return a
	}
	return b
}

// Direction selects how RoundToPage rounds.
type Direction int

const (
	Down Direction = iota
	Up
)

func (d Direction) String() string {
	switch d {
	case Down:
		return "down"
	case Up:
		return "up"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// RoundToPage rounds a to a page boundary. Rounding up always moves to the
// next page, even when a is already aligned.
func (a Address) RoundToPage(d Direction) Address {
	floor := a &^ (PageSize - 1)
	if d == Up {
		return floor + PageSize
	}
	return floor
}

func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}
