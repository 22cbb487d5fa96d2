// Package mvstest lays out MVS control blocks in synthetic dump images.
package mvstest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/core/coretest"
	"github.com/grafana/tdump/pkg/tdump/ebcdic"
	"github.com/grafana/tdump/pkg/tdump/template"
)

// Linkage stack geometry of the default layouts.
const (
	EntrySizeZ  = 296
	EntrySize31 = 168
	DescSize    = 8
)

// Well known addresses used by Anchor.
const (
	ASCB = core.Address(0x2000)
	ASXB = core.Address(0x2100)
)

// Builder writes control blocks by field name, using the default layouts.
type Builder struct {
	t  testing.TB
	im *coretest.Image
	ts *template.Set
}

func New(t testing.TB) *Builder {
	return &Builder{t: t, im: coretest.NewImage(), ts: template.Default()}
}

// Image exposes the underlying image for raw writes.
func (b *Builder) Image() *coretest.Image { return b.im }

// Space builds an address space over everything written so far.
func (b *Builder) Space(asid uint16, bits int) *core.AddressSpace {
	return b.im.Space(asid, bits)
}

func (b *Builder) Set(structure string, base core.Address, field string, v uint64) *Builder {
	return b.SetIndex(structure, base, field, 0, v)
}

// SetIndex writes element i of a field. Sub-byte fields must start at the
// most significant bit and own their byte.
func (b *Builder) SetIndex(structure string, base core.Address, field string, i int, v uint64) *Builder {
	b.t.Helper()
	tpl := b.ts.MustGet(structure)
	fd, err := tpl.Field(field)
	require.NoError(b.t, err)
	a, err := tpl.Address(base, field, i)
	require.NoError(b.t, err)
	switch {
	case fd.Bits < 8:
		require.Zero(b.t, fd.BitOffset)
		b.im.PutUint8(a, uint8(v<<(8-fd.Bits)))
	case fd.Bits == 8:
		b.im.PutUint8(a, uint8(v))
	case fd.Bits == 16:
		b.im.PutUint16(a, uint16(v))
	case fd.Bits == 31:
		b.im.PutUint32(a, uint32(v)&0x7FFFFFFF)
	case fd.Bits == 32:
		b.im.PutUint32(a, uint32(v))
	case fd.Bits == 64:
		b.im.PutUint64(a, v)
	default:
		b.t.Fatalf("unsupported width %d for %s.%s", fd.Bits, structure, field)
	}
	return b
}

func (b *Builder) SetAll(structure string, base core.Address, field string, vs []uint64) *Builder {
	for i, v := range vs {
		b.SetIndex(structure, base, field, i, v)
	}
	return b
}

// Anchor writes PSA → ASCB → ASXB with the given first and last TCB.
func (b *Builder) Anchor(first, last core.Address) *Builder {
	b.Set(template.PSA, 0, "psaaold", uint64(ASCB))
	b.Set(template.ASCB, ASCB, "ascbasxb", uint64(ASXB))
	b.Set(template.ASXB, ASXB, "asxbftcb", uint64(first))
	b.Set(template.ASXB, ASXB, "asxbltcb", uint64(last))
	return b
}

// Chain links the TCBs through tcbtcb, ending with a null link.
func (b *Builder) Chain(tcbs ...core.Address) *Builder {
	for i, t := range tcbs {
		var next uint64
		if i+1 < len(tcbs) {
			next = uint64(tcbs[i+1])
		}
		b.Set(template.TCB, t, "tcbtcb", next)
	}
	return b
}

// RBPSW writes an ESA PSW with the given instruction address into an RB.
func (b *Builder) RBPSW(rb core.Address, addr uint64) *Builder {
	b.Set(template.RB, rb, "rbopswm", 0x07050000)
	a, err := b.ts.MustGet(template.RB).Address(rb, "rbopswa", 0)
	require.NoError(b.t, err)
	b.im.PutUint32(a, uint32(addr)|0x80000000)
	return b
}

// Thread writes a TCB with a single RB, the low halves of its registers
// and, if stcb is not zero, an STCB with an empty linkage stack.
func (b *Builder) Thread(tcb, rb, stcb core.Address, regs []uint64, ip uint64) *Builder {
	b.Set(template.TCB, tcb, "tcbrbp", uint64(rb))
	b.Set(template.TCB, tcb, "tcbstcb", uint64(stcb))
	b.Set(template.TCB, tcb, "tcbcelap", 0)
	b.SetAll(template.TCB, tcb, "tcbgrs", regs)
	b.Set(template.RB, rb, "rblinkb", uint64(rb))
	b.RBPSW(rb, ip)
	if stcb != 0 {
		b.Set(template.STCB, stcb, "stcbestk", uint64(stcb)+0x1F0)
		b.Set(template.STCB, stcb, "stcblsdp", uint64(stcb)+0x1F0)
	}
	return b
}

// CAA attaches a Language Environment anchor to the TCB through a CELAP
// placed at celap, with the CAA immediately after it.
func (b *Builder) CAA(tcb, celap core.Address) core.Address {
	caa := celap + 0x100
	b.Set(template.TCB, tcb, "tcbcelap", uint64(celap))
	b.Set(template.CELAP, celap, "celapcaa", uint64(caa))
	return caa
}

// LSE describes one linkage stack entry.
type LSE struct {
	Type     uint64
	Extended bool
	Regs     []uint64
	PSWH     uint64
	PSWL     uint64
	Target   uint64
}

// StackZ writes a z/Architecture linkage stack at estk for the STCB,
// entries given oldest first. It returns the entry bodies, newest first.
func (b *Builder) StackZ(stcb, estk core.Address, entries ...LSE) []core.Address {
	b.Set(template.STCB, stcb, "stcbestk", uint64(estk))
	b.Set(template.STCB, stcb, "stcblsdp", uint64(estk)+uint64(len(entries))*EntrySizeZ)
	b.Set(template.LSED, estk, "lsednes", EntrySizeZ)
	bodies := make([]core.Address, len(entries))
	for i, e := range entries {
		desc := estk + core.Address((i+1)*EntrySizeZ)
		body := desc - (EntrySizeZ - DescSize)
		bodies[len(entries)-1-i] = body
		b.Set(template.LSED, desc, "lsedet", e.Type)
		if e.Extended {
			b.Set(template.LSED, desc, "lsedtyp1", 1)
		}
		if e.Regs != nil {
			b.SetAll(template.LSES1, body, "lses1grs", e.Regs)
		}
		b.Set(template.LSES1, body, "lses1pswh", e.PSWH)
		b.Set(template.LSES1, body, "lses1pswl", e.PSWL)
		b.Set(template.LSES1, body, "lses1targ", e.Target)
	}
	return bodies
}

// SaveArea writes a 72 byte save area.
func (b *Builder) SaveArea(sa, hsa core.Address, r14, r15 uint64) *Builder {
	b.Set(template.SA, sa, "sahsa", uint64(hsa))
	b.Set(template.SA, sa, "sar14", r14)
	b.Set(template.SA, sa, "sar15", r15)
	return b
}

// EntryPoint writes a standard entry linkage carrying name at ep.
func (b *Builder) EntryPoint(ep core.Address, name string) *Builder {
	enc := ebcdic.Encode(name)
	b.im.PutBytes(ep, []byte{0x47, 0xF0, 0xF0, byte(5 + len(enc)), byte(len(enc))})
	b.im.PutBytes(ep+5, enc)
	return b
}

// CDE writes a contents directory entry. xl may be zero.
func (b *Builder) CDE(cde, next core.Address, name string, ep uint64, xl core.Address) *Builder {
	b.Set(template.CDE, cde, "cdchain", uint64(next))
	padded := []byte(name + "        ")[:8]
	b.im.PutBytes(cde+0x08, ebcdic.Encode(string(padded)))
	b.Set(template.CDE, cde, "cdentpt", ep)
	b.Set(template.CDE, cde, "cdxlmjp", uint64(xl))
	return b
}

// Extent is one entry of an extent list.
type Extent struct {
	Addr, Len uint64
}

// Extents writes an extent list at xl.
func (b *Builder) Extents(xl core.Address, extents ...Extent) *Builder {
	b.Set(template.XTLST, xl, "xtlnrfac", uint64(len(extents)))
	for i, e := range extents {
		b.SetIndex(template.XTLST, xl, "xtllnth", i, e.Len)
		b.SetIndex(template.XTLST, xl, "xtladdr", i, e.Addr)
	}
	return b
}

// Seq returns the 16 values base, base+1, ... base+15.
func Seq(base uint64) []uint64 {
	out := make([]uint64, 16)
	for i := range out {
		out[i] = base + uint64(i)
	}
	return out
}
