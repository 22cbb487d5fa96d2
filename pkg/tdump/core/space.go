package core

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ErrUnsupportedFieldWidth is returned for bit fields wider than 64 bits
// (or of zero width). Such fields are never silently truncated.
var ErrUnsupportedFieldWidth = errors.New("unsupported field width")

// An AddressSpace is one dumped address space, identified by its ASID.
// Multi-byte values are big-endian.
type AddressSpace struct {
	asid uint16
	bits int
	mem  Accessor
}

// NewAddressSpace returns an address space over mem. bits is 31 or 64.
func NewAddressSpace(asid uint16, bits int, mem Accessor) *AddressSpace {
	return &AddressSpace{asid: asid, bits: bits, mem: mem}
}

func (s *AddressSpace) ASID() uint16       { return s.asid }
func (s *AddressSpace) Bits() int          { return s.bits }
func (s *AddressSpace) Is64() bool         { return s.bits == 64 }
func (s *AddressSpace) Accessor() Accessor { return s.mem }

// PtrSize returns the size in bytes of a pointer in this space.
func (s *AddressSpace) PtrSize() int64 {
	if s.Is64() {
		return 8
	}
	return 4
}

func (s *AddressSpace) String() string {
	return fmt.Sprintf("ASID 0x%04x (%d-bit)", s.asid, s.bits)
}

// Memory returns the backing image when it is a *Memory.
func (s *AddressSpace) Memory() (*Memory, bool) {
	m, ok := s.mem.(*Memory)
	return m, ok
}

// ReadBytes reads n bytes at a.
func (s *AddressSpace) ReadBytes(a Address, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := s.mem.ReadAt(b, a); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *AddressSpace) ReadUint8(a Address) (uint8, error) {
	var b [1]byte
	if err := s.mem.ReadAt(b[:], a); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *AddressSpace) ReadUint16(a Address) (uint16, error) {
	var b [2]byte
	if err := s.mem.ReadAt(b[:], a); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func (s *AddressSpace) ReadUint32(a Address) (uint32, error) {
	var b [4]byte
	if err := s.mem.ReadAt(b[:], a); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (s *AddressSpace) ReadUint64(a Address) (uint64, error) {
	var b [8]byte
	if err := s.mem.ReadAt(b[:], a); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (s *AddressSpace) ReadInt32(a Address) (int32, error) {
	v, err := s.ReadUint32(a)
	return int32(v), err
}

// ReadPtr reads a pointer sized for this space.
func (s *AddressSpace) ReadPtr(a Address) (Address, error) {
	if s.Is64() {
		v, err := s.ReadUint64(a)
		return Address(v), err
	}
	v, err := s.ReadUint32(a)
	return Address(v), err
}

// ReadBits reads a bit field of bitLength bits starting bitOffset bits
// after the most significant bit of the byte at a. Signed fields are
// sign-extended to 64 bits.
func (s *AddressSpace) ReadBits(a Address, bitOffset, bitLength int, signed bool) (int64, error) {
	if bitLength < 1 || bitLength > 64 {
		return 0, errors.Wrapf(ErrUnsupportedFieldWidth, "%d bits", bitLength)
	}
	if bitOffset < 0 {
		return 0, errors.Errorf("negative bit offset %d", bitOffset)
	}
	a = a.Add(int64(bitOffset / 8))
	bitOffset %= 8

	var buf [9]byte
	n := (bitOffset + bitLength + 7) / 8
	if err := s.mem.ReadAt(buf[:n], a); err != nil {
		return 0, err
	}
	// Left-align the field in w.
	var w uint64
	for i := 0; i < 8 && i < n; i++ {
		w |= uint64(buf[i]) << (56 - 8*uint(i))
	}
	w <<= uint(bitOffset)
	if n == 9 {
		w |= uint64(buf[8]) >> (8 - uint(bitOffset))
	}
	shift := uint(64 - bitLength)
	if signed {
		return int64(w) >> shift, nil
	}
	return int64(w >> shift), nil
}
