// Package dumpfile reads the block container of a z/OS transaction dump
// and exposes each dumped address space as a core.AddressSpace.
//
// A dump is a sequence of 4160 byte blocks: a 64 byte header followed by
// one 4096 byte page. The header starts with an EBCDIC eyecatcher, "DR1 "
// for 31-bit page addresses and "DR2 " for 64-bit ones, followed by the
// ASID the page belongs to and the page address.
package dumpfile

import (
	"encoding/binary"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/ebcdic"
)

const (
	HeaderSize = 64
	BlockSize  = HeaderSize + int(core.PageSize)

	asidOffset    = 0x04
	addressOffset = 0x0C
)

var (
	eyeDR1 = ebcdic.Encode("DR1 ")
	eyeDR2 = ebcdic.Encode("DR2 ")

	ErrNoAddressSpaces = errors.New("dump contains no address spaces")
)

// Options tune how a dump is interpreted.
type Options struct {
	// Bits forces the bitness of every address space (31 or 64).
	// Zero derives it from the block format.
	Bits int
}

// Stats summarises a loaded dump.
type Stats struct {
	Blocks        int
	Pages         int
	SkippedBlocks int
	TrailingBytes int
}

// A Dump is an opened dump file.
type Dump struct {
	file   *core.MappedFile
	spaces []*core.AddressSpace
	stats  Stats
}

// Open maps the named dump file and indexes its pages.
func Open(path string, opts Options, logger log.Logger) (*Dump, error) {
	f, err := core.OpenFile(path)
	if err != nil {
		return nil, err
	}
	d, err := load(f, opts, logger)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return d, nil
}

// FromBytes indexes an in-memory dump.
func FromBytes(name string, data []byte, opts Options, logger log.Logger) (*Dump, error) {
	return load(core.NewMappedBytes(name, data), opts, logger)
}

type spaceBuilder struct {
	mem   *core.Memory
	dr2   bool
	pages int
}

func load(f *core.MappedFile, opts Options, logger log.Logger) (*Dump, error) {
	if opts.Bits != 0 && opts.Bits != 31 && opts.Bits != 64 {
		return nil, errors.Errorf("invalid address space width %d", opts.Bits)
	}
	logger = log.With(logger, "dump", f.Name())
	data := f.Bytes()
	builders := map[uint16]*spaceBuilder{}
	d := &Dump{file: f}

	for off := 0; off+BlockSize <= len(data); off += BlockSize {
		d.stats.Blocks++
		hdr := data[off : off+HeaderSize]
		var addr core.Address
		var dr2 bool
		switch {
		case ebcdic.Equal(hdr[:4], "DR1 "):
			addr = core.Address(binary.BigEndian.Uint32(hdr[addressOffset:]))
		case ebcdic.Equal(hdr[:4], "DR2 "):
			addr = core.Address(binary.BigEndian.Uint64(hdr[addressOffset:]))
			dr2 = true
		default:
			d.stats.SkippedBlocks++
			continue
		}
		if addr%core.PageSize != 0 {
			level.Warn(logger).Log("msg", "skipping unaligned page", "offset", off, "address", addr)
			d.stats.SkippedBlocks++
			continue
		}
		asid := uint16(binary.BigEndian.Uint32(hdr[asidOffset:]))
		b, ok := builders[asid]
		if !ok {
			b = &spaceBuilder{mem: core.NewMemory()}
			builders[asid] = b
		}
		page := data[off+HeaderSize : off+BlockSize : off+BlockSize]
		if err := b.mem.Add(addr, page); err != nil {
			return nil, errors.Wrapf(err, "block at offset %d", off)
		}
		b.dr2 = b.dr2 || dr2
		b.pages++
		d.stats.Pages++
	}
	if rem := len(data) % BlockSize; rem != 0 {
		d.stats.TrailingBytes = rem
		level.Warn(logger).Log("msg", "ignoring truncated trailing block", "bytes", rem)
	}
	if len(builders) == 0 {
		return nil, ErrNoAddressSpaces
	}

	for asid, b := range builders {
		bits := 31
		if b.dr2 {
			bits = 64
		}
		if opts.Bits != 0 {
			bits = opts.Bits
		}
		d.spaces = append(d.spaces, core.NewAddressSpace(asid, bits, b.mem))
	}
	sort.Slice(d.spaces, func(i, j int) bool { return d.spaces[i].ASID() < d.spaces[j].ASID() })

	level.Info(logger).Log(
		"msg", "dump loaded",
		"size", humanize.Bytes(uint64(f.Size())),
		"address_spaces", len(d.spaces),
		"pages", d.stats.Pages,
		"skipped_blocks", d.stats.SkippedBlocks,
	)
	return d, nil
}

// AddressSpaces returns the dumped address spaces ordered by ASID.
func (d *Dump) AddressSpaces() []*core.AddressSpace {
	return d.spaces
}

// AddressSpace returns the space with the given ASID.
func (d *Dump) AddressSpace(asid uint16) (*core.AddressSpace, bool) {
	i := sort.Search(len(d.spaces), func(i int) bool { return d.spaces[i].ASID() >= asid })
	if i < len(d.spaces) && d.spaces[i].ASID() == asid {
		return d.spaces[i], true
	}
	return nil, false
}

func (d *Dump) Name() string { return d.file.Name() }
func (d *Dump) Stats() Stats { return d.stats }

// Close releases the dump file. The address spaces must not be used afterwards.
func (d *Dump) Close() error {
	return d.file.Close()
}

// AppendBlock appends one block to dst. It is the inverse of the reader and
// is used to produce dumps in tests and tools.
func AppendBlock(dst []byte, asid uint16, addr core.Address, dr2 bool, page []byte) []byte {
	var hdr [HeaderSize]byte
	if dr2 {
		copy(hdr[:], eyeDR2)
		binary.BigEndian.PutUint64(hdr[addressOffset:], uint64(addr))
	} else {
		copy(hdr[:], eyeDR1)
		binary.BigEndian.PutUint32(hdr[addressOffset:], uint32(addr))
	}
	binary.BigEndian.PutUint32(hdr[asidOffset:], uint32(asid))
	dst = append(dst, hdr[:]...)
	var p [core.PageSize]byte
	copy(p[:], page)
	return append(dst, p[:]...)
}
