package mvs

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
)

// LSEVariant is the layout of the entries of one linkage stack.
type LSEVariant int

const (
	// Variant31 entries are 168 bytes with 4 byte registers.
	Variant31 LSEVariant = iota
	// VariantZ entries are 296 bytes with 8 byte registers.
	VariantZ
)

const (
	lseSize31 = 168
	lseSizeZ  = 296
	lsedSize  = 8
)

func (v LSEVariant) String() string {
	switch v {
	case Variant31:
		return "ESA"
	case VariantZ:
		return "z/Architecture"
	}
	return fmt.Sprintf("LSEVariant(%d)", int(v))
}

// Linkage stack entry types (lsedet).
const (
	LSETypeBranch = 0x0C // BAKR
	LSETypePC     = 0x0D // stacking program call
)

// A LinkageStackEntry is one state entry of a task's linkage stack.
type LinkageStackEntry struct {
	w       *Walker
	variant LSEVariant
	body    core.Address
	desc    core.Address
}

func (e *LinkageStackEntry) Variant() LSEVariant { return e.variant }

// Address returns the start of the entry.
func (e *LinkageStackEntry) Address() core.Address { return e.body }

// Descriptor returns the address of the entry descriptor.
func (e *LinkageStackEntry) Descriptor() core.Address { return e.desc }

func (e *LinkageStackEntry) String() string {
	return fmt.Sprintf("LSE %s (%s)", e.body, e.variant)
}

// Type returns the entry type, see LSETypeBranch and LSETypePC.
func (e *LinkageStackEntry) Type() (int, error) {
	v, err := e.w.lsed.Decode(e.w.as, e.desc, "lsedet")
	return int(v), err
}

// Extended reports whether the entry descriptor is tagged as holding
// 64-bit registers.
func (e *LinkageStackEntry) Extended() (bool, error) {
	return e.w.lsed.Bool(e.w.as, e.desc, "lsedtyp1")
}

// wide reports whether registers and PSW use the z/Architecture sub-layout.
// Only entries of a 296 byte stack have room for it.
func (e *LinkageStackEntry) wide() (bool, error) {
	ext, err := e.Extended()
	return ext && e.variant == VariantZ, err
}

// Target returns the address of the called routine.
func (e *LinkageStackEntry) Target() (core.Address, error) {
	if e.variant == VariantZ {
		return e.w.lses1.Ptr(e.w.as, e.body, "lses1targ")
	}
	return e.w.lses.Ptr(e.w.as, e.body, "lsestarg")
}

// PSW returns the program status word saved in the entry.
func (e *LinkageStackEntry) PSW() (PSW, error) {
	wide, err := e.wide()
	if err != nil {
		return PSW{}, err
	}
	if wide {
		return readPSW16(e.w.as, e.w.lses1, e.body, "lses1pswh", "lses1pswl")
	}
	return readPSW8(e.w.as, e.w.lses, e.body, "lsespswm", "lsespswa")
}

// GPR returns general register i. Extended entries of a z/Architecture
// stack are read with an 8 byte stride, others with a 4 byte stride.
func (e *LinkageStackEntry) GPR(i int) (uint64, error) {
	wide, err := e.wide()
	if err != nil {
		return 0, err
	}
	return e.gpr(wide, i)
}

func (e *LinkageStackEntry) gpr(wide bool, i int) (uint64, error) {
	if wide {
		v, err := e.w.lses1.DecodeIndex(e.w.as, e.body, "lses1grs", i)
		return uint64(v), err
	}
	v, err := e.w.lses.DecodeIndex(e.w.as, e.body, "lsesgrs", i)
	return uint64(v), err
}

// Registers returns the 16 general registers saved in the entry.
func (e *LinkageStackEntry) Registers() ([]uint64, error) {
	wide, err := e.wide()
	if err != nil {
		return nil, err
	}
	regs := make([]uint64, 16)
	for i := range regs {
		if regs[i], err = e.gpr(wide, i); err != nil {
			return nil, err
		}
	}
	return regs, nil
}

// lseEntrySize returns the entry size of the linkage stacks of the address
// space. It is decoded from the empty stack entry at estk of the first stack
// that has a valid one and reused for every stack after that. A size of
// zero or less means the stack is empty.
func (w *Walker) lseEntrySize(estk core.Address) (int64, LSEVariant, error) {
	size := w.lseSize.Load()
	if size == 0 {
		var err error
		if size, err = w.lsed.Decode(w.as, estk, "lsednes"); err != nil || size <= 0 {
			return size, 0, err
		}
		if _, ok := lseVariantOf(size); !ok {
			return 0, 0, errors.Wrapf(ErrCorruptLinkageStack, "entry size %d at %s", size, estk)
		}
		w.lseSize.CompareAndSwap(0, size)
		size = w.lseSize.Load()
	}
	variant, _ := lseVariantOf(size)
	return size, variant, nil
}

func lseVariantOf(size int64) (LSEVariant, bool) {
	switch size {
	case lseSize31:
		return Variant31, true
	case lseSizeZ:
		return VariantZ, true
	}
	return 0, false
}

// LinkageStack returns the entries of the task's linkage stack, newest
// first. An empty stack yields no entries and no error.
func (w *Walker) LinkageStack(t *Tcb) ([]*LinkageStackEntry, error) {
	stcb, err := t.STCB()
	if err != nil {
		return nil, err
	}
	estk, err := w.stcb.Ptr(w.as, stcb, "stcbestk")
	if err != nil {
		return nil, err
	}
	lsdp, err := w.stcb.Ptr(w.as, stcb, "stcblsdp")
	if err != nil {
		return nil, err
	}
	if estk == lsdp {
		return nil, nil
	}
	size, variant, err := w.lseEntrySize(estk)
	if err != nil || size <= 0 {
		return nil, err
	}
	if lsdp < estk {
		return nil, errors.Wrapf(ErrCorruptLinkageStack, "current entry %s below empty stack entry %s", lsdp, estk)
	}
	count := uint64(lsdp-estk) / uint64(size)
	if count >= uint64(w.limits.MaxLinkageStackEntries) {
		return nil, errors.Wrapf(ErrCorruptLinkageStack, "%d entries", count)
	}
	entries := make([]*LinkageStackEntry, 0, count)
	for k := uint64(0); k < count; k++ {
		desc := lsdp - core.Address(k*uint64(size))
		entries = append(entries, &LinkageStackEntry{
			w:       w,
			variant: variant,
			desc:    desc,
			body:    desc - core.Address(size-lsedSize),
		})
	}
	return entries, nil
}
