package process

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/mvs"
	"github.com/grafana/tdump/pkg/tdump/symbols"
)

// Module properties set for every module.
const (
	PropertyASID = "asid"
	PropertyCDE  = "cde"
)

// WSASymbol names the writable static area of a Language Environment
// enclave among a module's variables.
const WSASymbol = "WSA"

func asidTag(asid uint16) string {
	return fmt.Sprintf("%04X", asid)
}

// Modules returns the loaded modules of every address space, in ASID order
// and, within a space, in contents directory order; the first module of a
// space is its program. Symbols found while walking the stacks of the
// space's threads are attributed to the modules.
func (p *Process) Modules() []*symbols.Module {
	mods, _ := p.modules.Get(func() ([]*symbols.Module, error) {
		var out []*symbols.Module
		for _, asid := range p.asids {
			out = append(out, p.spaceModules(asid)...)
		}
		return out, nil
	})
	return mods
}

func (p *Process) spaceModules(asid uint16) []*symbols.Module {
	w := p.walkers[asid]
	tag := asidTag(asid)
	logger := log.With(p.logger, "asid", tag)

	threads, _ := p.Threads(asid)
	loaded, err := w.Modules(lo.Map(threads, func(t *Thread, _ int) *mvs.Tcb { return t.tcb }))
	if err != nil {
		err = errors.Wrapf(err, "address space %s modules", tag)
		level.Warn(logger).Log("msg", "contents directory incomplete", "modules", len(loaded), "err", err)
		p.warn(unitModules, err)
	}
	candidates := lo.Map(loaded, func(m mvs.LoadedModule, _ int) *symbols.Module {
		return candidate(m, tag)
	})

	var syms []symbols.StackSymbol
	for _, t := range threads {
		for _, f := range t.walk() {
			if f.Symbol != "" && f.EntryPoint != 0 {
				syms = append(syms, symbols.StackSymbol{
					Symbol: symbols.Symbol{Name: f.Symbol, Address: f.EntryPoint},
					Kind:   symbols.Function,
				})
			}
		}
		if wsa, err := t.tcb.WSA(); err == nil && wsa != 0 {
			syms = append(syms, symbols.StackSymbol{
				Symbol: symbols.Symbol{Name: WSASymbol, Address: wsa},
				Kind:   symbols.Variable,
			})
		}
	}
	syms = lo.Uniq(syms)

	var ranges symbols.RangeFinder
	if mem, ok := w.AddressSpace().Memory(); ok {
		ranges = mem
	}
	resolved := symbols.NewResolver(ranges, logger).Resolve(candidates, syms)
	for _, m := range resolved {
		if m.Properties == nil {
			m.Properties = map[string]string{}
		}
		m.Properties[PropertyASID] = tag
	}
	level.Debug(logger).Log("msg", "modules resolved", "modules", len(resolved), "symbols", len(syms))
	return resolved
}

func candidate(m mvs.LoadedModule, asid string) *symbols.Module {
	c := &symbols.Module{
		Name:       m.Name,
		Properties: map[string]string{PropertyASID: asid, PropertyCDE: m.CDE.String()},
		Extents: lo.Map(m.Extents, func(e mvs.Extent, _ int) symbols.Extent {
			return symbols.Extent{Start: e.Addr, End: e.End()}
		}),
	}
	if la, err := m.LoadAddress(); err == nil {
		c.LoadAddress, c.HasLoadAddress = la, true
	}
	if m.EntryPoint != 0 {
		c.Functions = []symbols.Symbol{{Name: m.Name, Address: m.EntryPoint}}
	}
	return c
}

// moduleAt returns the module of the address space containing a: by its
// extents first, then by its sections.
func moduleAt(modules []*symbols.Module, asid uint16, a core.Address) *symbols.Module {
	if a == 0 {
		return nil
	}
	tag := asidTag(asid)
	var bySection *symbols.Module
	for _, m := range modules {
		if m.Properties[PropertyASID] != tag {
			continue
		}
		if lo.ContainsBy(m.Extents, func(e symbols.Extent) bool { return e.Contains(a) }) {
			return m
		}
		if bySection == nil && lo.ContainsBy(m.Sections, func(s symbols.Section) bool { return a >= s.Start && a < s.End }) {
			bySection = m
		}
	}
	return bySection
}
