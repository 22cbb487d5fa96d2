package template

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/core/coretest"
)

func TestDefaultSetComplete(t *testing.T) {
	want := []string{ASCB, ASXB, CAA, CDE, CELAP, F4SA, LSED, LSES, LSES1, OTCB, PSA, RB, SA, STCB, TCB, XSB, XTLST}
	if diff := cmp.Diff(want, Default().Names()); diff != "" {
		t.Fatalf("default structures mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode(t *testing.T) {
	tpl, err := New("test", 0x20,
		Field{Name: "flag", Offset: 0x00, BitOffset: 0, Bits: 1, Signed: true},
		Field{Name: "uflag", Offset: 0x00, BitOffset: 0, Bits: 1},
		Field{Name: "type", Offset: 0x01, BitOffset: 2, Bits: 3},
		Field{Name: "half", Offset: 0x02, Bits: 16, Signed: true},
		Field{Name: "regs", Offset: 0x04, Bits: 32, Count: 3},
		Field{Name: "wide", Offset: 0x10, Bits: 128},
	)
	require.NoError(t, err)

	im := coretest.NewImage().
		PutUint8(0x1000, 0x80).
		PutUint8(0x1001, 0x28). // 0010 1000: bits 2..4 = 101
		PutUint16(0x1002, 0xFFFE).
		PutUint32(0x1004, 1).
		PutUint32(0x1008, 2).
		PutUint32(0x100C, 0xFFFFFFFF)
	as := im.Space(1, 31)

	v, err := tpl.Decode(as, 0x1000, "flag")
	require.NoError(t, err)
	require.Equal(t, int64(-1), v)

	v, err = tpl.Decode(as, 0x1000, "uflag")
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = tpl.Decode(as, 0x1000, "type")
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = tpl.Decode(as, 0x1000, "half")
	require.NoError(t, err)
	require.Equal(t, int64(-2), v)

	regs, err := tpl.Uints(as, 0x1000, "regs")
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 0xFFFFFFFF}, regs)

	a, err := tpl.Address(0x1000, "regs", 2)
	require.NoError(t, err)
	require.Equal(t, core.Address(0x100C), a)

	_, err = tpl.DecodeIndex(as, 0x1000, "regs", 3)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = tpl.Decode(as, 0x1000, "wide")
	require.ErrorIs(t, err, ErrUnsupportedFieldWidth)

	_, err = tpl.Decode(as, 0x1000, "nope")
	require.ErrorIs(t, err, ErrUnknownField)

	_, err = tpl.Decode(as, 0x9000, "half")
	require.True(t, core.IsFault(err))

	off, err := tpl.FieldOffset("half")
	require.NoError(t, err)
	require.Equal(t, int64(2), off)
	bits, err := tpl.FieldLength("wide")
	require.NoError(t, err)
	require.Equal(t, 128, bits)
}

func TestNewRejectsBadFields(t *testing.T) {
	_, err := New("x", 0, Field{Name: "a", Bits: 8}, Field{Name: "a", Bits: 8})
	require.Error(t, err)
	_, err = New("x", 0, Field{Name: "a"})
	require.Error(t, err)
	_, err = New("x", 0, Field{Bits: 8})
	require.Error(t, err)
}

func TestLoadAndMerge(t *testing.T) {
	overlay, err := Load(strings.NewReader(`
structures:
  tcb:
    fields:
      tcbstcb: {offset: 0x140, bits: 32}
      tcbnew:  {offset: 0x148, bits: 8, signed: true}
  extra:
    size: 4
    fields:
      one: {offset: 0, bits: 32}
`))
	require.NoError(t, err)

	merged, err := Default().Merge(overlay)
	require.NoError(t, err)

	tcb := merged.MustGet(TCB)
	off, err := tcb.FieldOffset("tcbstcb")
	require.NoError(t, err)
	require.Equal(t, int64(0x140), off)
	off, err = tcb.FieldOffset("tcbrbp")
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
	require.Equal(t, int64(0x150), tcb.Size())

	_, err = merged.Get("extra")
	require.NoError(t, err)

	// The default set is untouched.
	off, err = Default().MustGet(TCB).FieldOffset("tcbstcb")
	require.NoError(t, err)
	require.Equal(t, int64(0x138), off)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(strings.NewReader(`
structures:
  tcb:
    fields:
      tcbrbp: {offest: 0, bits: 32}
`))
	require.Error(t, err)

	_, err = Default().Get("nope")
	require.ErrorIs(t, err, ErrUnknownStructure)
}

func TestBytes(t *testing.T) {
	cde := Default().MustGet(CDE)
	as := coretest.NewImage().PutBytes(0x2008, []byte("ABCDEFGH")).Space(1, 31)
	b, err := cde.Bytes(as, 0x2000, "cdname")
	require.NoError(t, err)
	require.Equal(t, []byte("ABCDEFGH"), b)

	_, err = Default().MustGet(RB).Bytes(as, 0x2000, "rbftp")
	require.Error(t, err)
}
