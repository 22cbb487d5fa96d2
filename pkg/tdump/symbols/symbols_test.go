package symbols

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/core/coretest"
)

func fn(name string, a core.Address) Symbol { return Symbol{Name: name, Address: a} }

func stackFn(name string, a core.Address) StackSymbol {
	return StackSymbol{Symbol: fn(name, a), Kind: Function}
}

func TestNearest(t *testing.T) {
	modules := []*Module{
		{Name: "A", Functions: []Symbol{fn("a1", 100), fn("a2", 200)}},
		{Name: "B", Functions: []Symbol{fn("b1", 150), fn("b2", 300)}},
	}
	for _, tc := range []struct {
		addr core.Address
		want string
	}{
		{140, "B"},
		{110, "A"},
		{260, "B"},
		{250, "A"}, // 50 from both a2 and b2
		{175, "A"}, // 25 from both b1 and a2
		{0, "A"},
	} {
		idx, ok := Nearest(modules, tc.addr)
		require.True(t, ok)
		require.Equal(t, tc.want, modules[idx].Name, "address %d", tc.addr)
	}

	_, ok := Nearest([]*Module{{Name: "empty"}}, 100)
	require.False(t, ok)
}

func TestNearestTieFirstLoadedWins(t *testing.T) {
	modules := []*Module{
		{Name: "first", Variables: []Symbol{fn("v", 0x1010)}},
		{Name: "second", Functions: []Symbol{fn("f", 0x0FF0)}},
	}
	idx, ok := Nearest(modules, 0x1000)
	require.True(t, ok)
	require.Equal(t, 0, idx)
}

func TestResolve(t *testing.T) {
	mem := coretest.NewImage().
		Touch(0x10000).Touch(0x11000).
		Touch(0x40000).
		Memory()
	modules := []*Module{
		{Name: "MAIN", Extents: []Extent{{Start: 0x10000, End: 0x12000}}, LoadAddress: 0x10000, HasLoadAddress: true},
		{Name: "LIB", Extents: []Extent{{Start: 0x40000, End: 0x40800}}},
		{Name: "UNUSED", Extents: []Extent{{Start: 0x70000, End: 0x70100}}},
	}
	syms := []StackSymbol{
		stackFn("main", 0x10010),
		stackFn("helper", 0x11F00),
		stackFn("libfn", 0x40100),
		{Symbol: fn("WSA", 0x10800), Kind: Variable},
		stackFn("stray", 0x40900), // outside every extent, nearest is libfn
	}

	got := NewResolver(mem, nil).Resolve(modules, syms)
	want := []*Module{
		{
			Name:           "MAIN",
			Extents:        []Extent{{Start: 0x10000, End: 0x12000}},
			LoadAddress:    0x10000,
			HasLoadAddress: true,
			Functions:      []Symbol{fn("main", 0x10010), fn("helper", 0x11F00)},
			Variables:      []Symbol{fn("WSA", 0x10800)},
			Sections: []Section{
				{Name: DataSection, Start: 0x10000, End: 0x11000},
				{Name: TextSection, Start: 0x10000, End: 0x12000},
			},
		},
		{
			Name:        "LIB",
			Extents:     []Extent{{Start: 0x40000, End: 0x40800}},
			LoadAddress: 0x40000,
			Functions:   []Symbol{fn("libfn", 0x40100), fn("stray", 0x40900)},
			Sections: []Section{
				{Name: TextSection, Start: 0x40000, End: 0x41000},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected modules (-want +got):\n%s", diff)
	}
}

func TestResolveSectionsPerRange(t *testing.T) {
	// Two mapped ranges separated by a hole: the functions of one module
	// spread over both form two text sections.
	mem := coretest.NewImage().Touch(0x10000).Touch(0x30000).Memory()
	modules := []*Module{{Name: "MAIN", Extents: []Extent{{Start: 0x10000, End: 0x40000}}}}
	syms := []StackSymbol{stackFn("low", 0x10010), stackFn("high", 0x30FF0)}

	got := NewResolver(mem, nil).Resolve(modules, syms)
	require.Len(t, got, 1)
	require.Equal(t, []Section{
		{Name: TextSection, Start: 0x10000, End: 0x11000},
		{Name: TextSection, Start: 0x30000, End: 0x31000},
	}, got[0].Sections)
	require.Equal(t, core.Address(0x10000), got[0].LoadAddress)
}

func TestResolveUnknownModule(t *testing.T) {
	modules := []*Module{{Name: "MAIN"}, {Name: "LIB"}}
	syms := []StackSymbol{stackFn("lost", 0x5010)}

	got := NewResolver(nil, nil).Resolve(modules, syms)
	require.Len(t, got, 2)
	require.Equal(t, "MAIN", got[0].Name)
	require.Empty(t, got[0].Sections)
	require.Zero(t, got[0].LoadAddress)
	require.Equal(t, UnknownModule, got[1].Name)
	require.Equal(t, []Symbol{fn("lost", 0x5010)}, got[1].Functions)
	require.Equal(t, core.Address(0x5000), got[1].LoadAddress)
}

func TestResolveWithoutSymbols(t *testing.T) {
	got := NewResolver(nil, nil).Resolve([]*Module{{Name: "MAIN"}, {Name: "LIB"}}, nil)
	require.Len(t, got, 1)
	require.Equal(t, "MAIN", got[0].Name)
	require.Empty(t, NewResolver(nil, nil).Resolve(nil, nil))
}
