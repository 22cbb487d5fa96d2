// Package symbols assigns the symbols harvested from a dump to the modules
// that own them and derives the code and data sections of every module.
package symbols

import (
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/grafana/tdump/pkg/tdump/core"
)

// UnknownModule is the name of the module collecting symbols that no
// module could be found for.
const UnknownModule = "<unknown>"

const (
	TextSection = ".text"
	DataSection = ".data"
)

// Kind tells functions from variables.
type Kind int

const (
	Function Kind = iota
	Variable
)

func (k Kind) String() string {
	switch k {
	case Function:
		return "function"
	case Variable:
		return "variable"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Symbol struct {
	Name    string
	Address core.Address
}

// A StackSymbol is a symbol found while walking stacks, not yet assigned
// to a module.
type StackSymbol struct {
	Symbol
	Kind Kind
}

// An Extent is the half-open range [Start, End) occupied by a module.
type Extent struct {
	Start, End core.Address
}

func (e Extent) Contains(a core.Address) bool {
	return a >= e.Start && a < e.End
}

type Section struct {
	Name       string
	Start, End core.Address
}

func (s Section) String() string {
	return fmt.Sprintf("%s [%s, %s)", s.Name, s.Start, s.End)
}

// A Module is a loaded program and the symbols attributed to it.
type Module struct {
	Name string
	// LoadAddress as reported by the platform. Only meaningful when
	// HasLoadAddress is set; Resolve fills it in otherwise.
	LoadAddress    core.Address
	HasLoadAddress bool
	Extents        []Extent
	Functions      []Symbol
	Variables      []Symbol
	Sections       []Section
	Properties     map[string]string
}

// Symbols returns the functions followed by the variables.
func (m *Module) Symbols() []Symbol {
	out := make([]Symbol, 0, len(m.Functions)+len(m.Variables))
	out = append(out, m.Functions...)
	return append(out, m.Variables...)
}

func (m *Module) empty() bool {
	return len(m.Functions) == 0 && len(m.Variables) == 0
}

func (m *Module) contains(a core.Address) bool {
	return lo.ContainsBy(m.Extents, func(e Extent) bool { return e.Contains(a) })
}

// add records s unless the module already has it.
func (m *Module) add(s StackSymbol) {
	list := &m.Functions
	if s.Kind == Variable {
		list = &m.Variables
	}
	if !lo.Contains(*list, s.Symbol) {
		*list = append(*list, s.Symbol)
	}
}

func distance(a, b core.Address) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}

// Nearest returns the index of the module owning the function or variable
// closest to a. Modules are visited in order and only a strictly closer
// symbol replaces the current best, so on ties the earlier module wins.
// It reports false if no module has any symbol.
func Nearest(modules []*Module, a core.Address) (int, bool) {
	best, found := -1, false
	var bestDist uint64
	for i, m := range modules {
		for _, s := range m.Symbols() {
			d := distance(s.Address, a)
			if !found || d < bestDist {
				best, bestDist, found = i, d, true
			}
		}
	}
	return best, found
}

// RangeFinder locates the contiguous mapped range holding an address.
// *core.Memory implements it.
type RangeFinder interface {
	Range(a core.Address) (min, max core.Address, ok bool)
}

// A Resolver attributes stack symbols to modules.
type Resolver struct {
	ranges RangeFinder
	logger log.Logger
}

// NewResolver returns a resolver that partitions sections by the mapped
// ranges of ranges. A nil ranges treats every page as its own range.
func NewResolver(ranges RangeFinder, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Resolver{ranges: ranges, logger: logger}
}

// Resolve assigns syms to modules and returns the modules to report.
//
// A symbol inside the extents of a module belongs to it. Every other symbol
// belongs to the module owning the nearest already attributed symbol, or,
// when no module has any symbol at all, to a synthetic UnknownModule.
//
// The result holds every module with at least one symbol, the first module
// (the program itself) even when empty, and the synthetic module if it was
// needed. Modules are modified in place.
func (r *Resolver) Resolve(modules []*Module, syms []StackSymbol) []*Module {
	var unassigned []StackSymbol
	for _, s := range syms {
		if m, ok := lo.Find(modules, func(m *Module) bool { return m.contains(s.Address) }); ok {
			m.add(s)
			continue
		}
		unassigned = append(unassigned, s)
	}

	// Nearest is computed against the extent assignment only, so the
	// outcome does not depend on the order of the unassigned symbols.
	owners := make([]int, len(unassigned))
	for i, s := range unassigned {
		idx, ok := Nearest(modules, s.Address)
		if !ok {
			idx = -1
		}
		owners[i] = idx
	}
	unknown := &Module{Name: UnknownModule}
	for i, s := range unassigned {
		if owners[i] < 0 {
			unknown.add(s)
			continue
		}
		modules[owners[i]].add(s)
	}
	if !unknown.empty() {
		level.Debug(r.logger).Log("msg", "symbols without owning module", "count", len(unknown.Symbols()))
	}

	out := make([]*Module, 0, len(modules)+1)
	for i, m := range modules {
		if i == 0 || !m.empty() {
			out = append(out, m)
		}
	}
	if !unknown.empty() {
		out = append(out, unknown)
	}
	for _, m := range out {
		sortSymbols(m.Functions)
		sortSymbols(m.Variables)
		m.Sections = r.sections(m)
		if !m.HasLoadAddress {
			m.LoadAddress = fallbackLoadAddress(m)
		}
	}
	return out
}

func sortSymbols(s []Symbol) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Address < s[j].Address })
}

// fallbackLoadAddress is the page holding the lowest function, or zero.
func fallbackLoadAddress(m *Module) core.Address {
	if len(m.Functions) == 0 {
		return 0
	}
	low := lo.MinBy(m.Functions, func(a, b Symbol) bool { return a.Address < b.Address })
	return low.Address.RoundToPage(core.Down)
}

type sectionKey struct {
	rangeMin core.Address
	name     string
}

// sections computes one section per mapped range and category, spanning
// the symbols of that category in the range rounded out to whole pages.
func (r *Resolver) sections(m *Module) []Section {
	spans := map[sectionKey]*Section{}
	observe := func(name string, a core.Address) {
		k := sectionKey{rangeMin: a.RoundToPage(core.Down), name: name}
		if r.ranges != nil {
			if start, _, ok := r.ranges.Range(a); ok {
				k.rangeMin = start
			}
		}
		s, ok := spans[k]
		if !ok {
			spans[k] = &Section{Name: name, Start: a, End: a}
			return
		}
		s.Start = s.Start.Min(a)
		s.End = s.End.Max(a)
	}
	for _, s := range m.Functions {
		observe(TextSection, s.Address)
	}
	for _, s := range m.Variables {
		observe(DataSection, s.Address)
	}

	out := make([]Section, 0, len(spans))
	for _, s := range spans {
		out = append(out, Section{
			Name:  s.Name,
			Start: s.Start.RoundToPage(core.Down),
			End:   s.End.RoundToPage(core.Up),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Name < out[j].Name
	})
	return out
}
