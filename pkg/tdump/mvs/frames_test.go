package mvs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/ebcdic"
	"github.com/grafana/tdump/pkg/tdump/template"
)

func regsWith(ip, r13 uint64) *RegisterSnapshot {
	gprs := make([]uint64, 16)
	gprs[13] = r13
	return &RegisterSnapshot{GPRs: gprs, PSW: PSW{Addr: core.Address(ip)}, Source: FromTCB}
}

func TestFramesSaveAreaChain(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, testTCB, "tcbcelap", 0)
	f.Set(template.SA, 0x8000, "sahsa", 0x8100)
	f.Set(template.SA, 0x8100, "sahsa", 0x8200)
	f.Set(template.SA, 0x8100, "sar14", 0x80009500)
	f.Set(template.SA, 0x8100, "sar15", 0x9000)
	f.Set(template.SA, 0x8200, "sahsa", 0)
	f.Set(template.SA, 0x8200, "sar14", 0x9600)
	f.Set(template.SA, 0x8200, "sar15", 0x80009400)
	f.EntryPoint(0x9000, "CALLEE")
	f.EntryPoint(0x9400, "CALLER")
	w := f.walker(31)

	regs := regsWith(0x9010, 0x8000)
	frames := w.Frames(w.Tcb(testTCB), regs)
	require.Equal(t, []StackFrame{
		{IP: 0x9010, SP: 0x8000, BP: 0x8000, EntryPoint: 0x9000, Symbol: "CALLEE", Registers: regs},
		{IP: 0x9500, SP: 0x8100, BP: 0x8100, EntryPoint: 0x9400, Symbol: "CALLER"},
		{IP: 0x9600, SP: 0x8200, BP: 0x8200},
	}, frames)
}

func TestFramesF4SA(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, testTCB, "tcbcelap", 0)
	for _, sa := range []core.Address{0x8000, 0x8200} {
		f.Image().PutBytes(sa+4, ebcdic.Encode("F4SA"))
	}
	f.Set(template.F4SA, 0x8000, "f4sahsa", 0x8200)
	f.Set(template.F4SA, 0x8200, "f4sar14", 0x1_0000_9500)
	f.Set(template.F4SA, 0x8200, "f4sar15", 0x1_0000_9000)
	f.EntryPoint(0x1_0000_9000, "MAIN64")
	w := f.walker(64)

	frames := w.Frames(w.Tcb(testTCB), regsWith(0x1_0000_9010, 0x8000))
	require.Len(t, frames, 2)
	require.Equal(t, "MAIN64", frames[0].Symbol)
	require.Equal(t, core.Address(0x1_0000_9500), frames[1].IP)
	require.Equal(t, core.Address(0x8200), frames[1].SP)
}

func TestFramesStartAtCurrentDSA(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, testTCB, "tcbcelap", 0x3800)
	f.Set(template.CELAP, 0x3800, "celapcaa", 0x3900)
	f.Set(template.CAA, 0x3900, "ceecaaddsa", 0x8000)
	f.Set(template.SA, 0x8000, "sahsa", 0)
	w := f.walker(31)

	frames := w.Frames(w.Tcb(testTCB), nil)
	require.Equal(t, []StackFrame{{SP: 0x8000, BP: 0x8000}}, frames)
}

func TestFramesLoop(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, testTCB, "tcbcelap", 0)
	f.Set(template.SA, 0x8000, "sahsa", 0x8100)
	f.Set(template.SA, 0x8100, "sahsa", 0x8000)
	w := f.walker(31)

	frames := w.Frames(w.Tcb(testTCB), regsWith(0x9000, 0x8000))
	require.Len(t, frames, 2)
}

func TestFramesLimit(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, testTCB, "tcbcelap", 0)
	for sa := core.Address(0x8000); sa < 0x9000; sa += 0x48 {
		f.Set(template.SA, sa, "sahsa", uint64(sa+0x48))
	}
	w := f.walkerWith(31, Options{Limits: Limits{MaxFrames: 8}})

	frames := w.Frames(w.Tcb(testTCB), regsWith(0x9000, 0x8000))
	require.Len(t, frames, 8)
}

func TestFramesWithoutRegisters(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, testTCB, "tcbcelap", 0)
	w := f.walker(31)

	frames := w.Frames(w.Tcb(testTCB), nil)
	require.Equal(t, []StackFrame{{}}, frames)
}

func TestEntryPointName(t *testing.T) {
	f := newFixture(t)
	f.EntryPoint(0x9000, "CEEMAIN")
	f.Image().PutBytes(0x9100, []byte{0x18, 0xCF, 0x00, 0x00, 0x04})
	f.Image().PutBytes(0x9200, []byte{0x47, 0xF0, 0xF0, 0x0A, 0x04, 0x00, 0x01, 0x02, 0x03})
	w := f.walker(31)

	require.Equal(t, "CEEMAIN", w.EntryPointName(0x9000))
	require.Equal(t, "CEEMAIN", w.EntryPointName(0x9001))
	require.Empty(t, w.EntryPointName(0x9100))
	require.Empty(t, w.EntryPointName(0x9200))
	require.Empty(t, w.EntryPointName(0xF000))
}
