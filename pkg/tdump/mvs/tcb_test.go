package mvs

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/mvs/mvstest"
	"github.com/grafana/tdump/pkg/tdump/template"
)

func TestNewRequiresAllStructures(t *testing.T) {
	set, err := template.Load(strings.NewReader("structures:\n  psa:\n    size: 0x1000\n    fields: {}\n"))
	require.NoError(t, err)
	_, err = New(newFixture(t).Space(1, 31), Options{Templates: set})
	require.ErrorIs(t, err, template.ErrUnknownStructure)
}

func TestThreads(t *testing.T) {
	for _, tc := range []struct {
		name   string
		build  func(f *fixture)
		limits Limits
		want   []core.Address
		err    error
		fault  bool
	}{
		{
			name: "chain ends with null link",
			build: func(f *fixture) {
				f.Anchor(0x3000, 0x9000)
				f.Set(template.TCB, 0x3000, "tcbtcb", 0x3200)
				f.Set(template.TCB, 0x3200, "tcbtcb", 0x3400)
				f.Set(template.TCB, 0x3400, "tcbtcb", 0)
			},
			want: []core.Address{0x3000, 0x3200, 0x3400},
		},
		{
			name: "chain ends at last TCB",
			build: func(f *fixture) {
				f.Anchor(0x3000, 0x3400)
				f.Set(template.TCB, 0x3000, "tcbtcb", 0x3200)
				f.Set(template.TCB, 0x3200, "tcbtcb", 0x3400)
				f.Set(template.TCB, 0x3400, "tcbtcb", 0x3000)
			},
			want: []core.Address{0x3000, 0x3200, 0x3400},
		},
		{
			name: "first equals last",
			build: func(f *fixture) {
				f.Anchor(0x3000, 0x3000)
				f.Set(template.TCB, 0x3000, "tcbtcb", 0)
			},
		},
		{
			name: "no ASCB",
			build: func(f *fixture) {
				f.Set(template.PSA, 0, "psaaold", 0)
			},
		},
		{
			name: "looping chain hits the ceiling",
			build: func(f *fixture) {
				f.Anchor(0x3000, 0x9000)
				f.Set(template.TCB, 0x3000, "tcbtcb", 0x3200)
				f.Set(template.TCB, 0x3200, "tcbtcb", 0x3000)
			},
			limits: Limits{MaxThreads: 5},
			want:   []core.Address{0x3000, 0x3200, 0x3000, 0x3200, 0x3000},
			err:    ErrCorruptThreadChain,
		},
		{
			name: "unreadable link",
			build: func(f *fixture) {
				f.Anchor(0x3000, 0x9000)
				f.Set(template.TCB, 0x3000, "tcbtcb", 0x8000)
			},
			want:  []core.Address{0x3000, 0x8000},
			fault: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.build(f)
			threads, err := f.walkerWith(31, Options{Limits: tc.limits}).Threads()
			switch {
			case tc.err != nil:
				require.ErrorIs(t, err, tc.err)
			case tc.fault:
				require.True(t, core.IsFault(err), "%v", err)
			default:
				require.NoError(t, err)
			}
			var got []core.Address
			for _, th := range threads {
				got = append(got, th.Address())
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestTcbAccessors(t *testing.T) {
	f := newFixture(t)
	f.Set(template.TCB, 0x3000, "tcbcmp", 0x940C4000)
	f.Set(template.TCB, 0x3000, "tcbcelap", 0x3800)
	f.Set(template.CELAP, 0x3800, "celapcaa", 0x3900)
	f.Set(template.CAA, 0x3900, "ceecaawsa", 0x7F000)
	f.Set(template.TCB, 0x3200, "tcbcmp", 0)
	w := f.walker(31)

	failing := w.Tcb(0x3000)
	cc, err := failing.CompletionCode()
	require.NoError(t, err)
	require.Equal(t, uint32(0x940C4000), cc)
	require.True(t, failing.Failing())
	caa, err := failing.CAA()
	require.NoError(t, err)
	require.Equal(t, core.Address(0x3900), caa)
	wsa, err := failing.WSA()
	require.NoError(t, err)
	require.Equal(t, core.Address(0x7F000), wsa)
	_, err = failing.STCB()
	require.Error(t, err)

	healthy := w.Tcb(0x3200)
	require.False(t, healthy.Failing())
	caa, err = healthy.CAA()
	require.NoError(t, err)
	require.Zero(t, caa)

	require.False(t, w.Tcb(0x7000).Failing(), "unreadable TCBs are not failing")
	require.Equal(t, "TCB 0x3000", failing.String())
}

func TestThreadsChecksASCBOwner(t *testing.T) {
	for _, tc := range []struct {
		name     string
		asid     uint64
		mismatch bool
	}{
		{"unset", 0, false},
		{"same space", 1, false},
		{"other space", 0x42, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.Anchor(0x3000, 0x3200).Chain(0x3000, 0x3200)
			f.Set(template.ASCB, mvstest.ASCB, "ascbasid", tc.asid)
			var buf bytes.Buffer
			w := f.walkerWith(31, Options{Logger: log.NewLogfmtLogger(&buf)})

			tcbs, err := w.Threads()
			require.NoError(t, err)
			require.Len(t, tcbs, 2)
			if tc.mismatch {
				require.Contains(t, buf.String(), "ascbasid=0042")
			} else {
				require.Empty(t, buf.String())
			}
		})
	}
}
