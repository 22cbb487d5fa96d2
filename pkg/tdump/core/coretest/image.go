// Package coretest builds synthetic address spaces for tests.
package coretest

import (
	"encoding/binary"
	"sort"

	"github.com/grafana/tdump/pkg/tdump/core"
)

// Image is a writable sparse image. Pages spring into existence when first
// written; pages never written fault on read.
type Image struct {
	pages map[core.Address][]byte
}

func NewImage() *Image {
	return &Image{pages: map[core.Address][]byte{}}
}

func (im *Image) page(a core.Address) []byte {
	base := a.RoundToPage(core.Down)
	p, ok := im.pages[base]
	if !ok {
		p = make([]byte, core.PageSize)
		im.pages[base] = p
	}
	return p
}

// PutBytes writes b at a, crossing pages as needed.
func (im *Image) PutBytes(a core.Address, b []byte) *Image {
	for len(b) > 0 {
		p := im.page(a)
		off := a.Sub(a.RoundToPage(core.Down))
		n := copy(p[off:], b)
		b = b[n:]
		a = a.Add(int64(n))
	}
	return im
}

func (im *Image) PutUint8(a core.Address, v uint8) *Image {
	return im.PutBytes(a, []byte{v})
}

func (im *Image) PutUint16(a core.Address, v uint16) *Image {
	return im.PutBytes(a, binary.BigEndian.AppendUint16(nil, v))
}

func (im *Image) PutUint32(a core.Address, v uint32) *Image {
	return im.PutBytes(a, binary.BigEndian.AppendUint32(nil, v))
}

func (im *Image) PutUint64(a core.Address, v uint64) *Image {
	return im.PutBytes(a, binary.BigEndian.AppendUint64(nil, v))
}

// Touch makes the page holding a readable without changing its contents.
func (im *Image) Touch(a core.Address) *Image {
	im.page(a)
	return im
}

// Memory builds the read-only image.
func (im *Image) Memory() *core.Memory {
	bases := make([]core.Address, 0, len(im.pages))
	for a := range im.pages {
		bases = append(bases, a)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	m := core.NewMemory()
	for _, a := range bases {
		if err := m.Add(a, im.pages[a]); err != nil {
			panic(err)
		}
	}
	return m
}

// Space builds an address space over the image.
func (im *Image) Space(asid uint16, bits int) *core.AddressSpace {
	return core.NewAddressSpace(asid, bits, im.Memory())
}
