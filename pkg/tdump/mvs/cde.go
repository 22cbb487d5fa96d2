package mvs

import (
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/ebcdic"
)

// ErrLoadAddressUnsupported is returned by LoadedModule.LoadAddress for
// modules whose contents directory entry has no extent list.
var ErrLoadAddressUnsupported = errors.New("load address not available")

// An Extent is one contiguous piece of a loaded module.
type Extent struct {
	Addr core.Address
	Len  uint64
}

// End returns the address just past the extent.
func (e Extent) End() core.Address {
	return e.Addr.Add(int64(e.Len))
}

// Contains reports whether a lies within the extent.
func (e Extent) Contains(a core.Address) bool {
	return a >= e.Addr && a < e.End()
}

// A LoadedModule is a program found through a contents directory entry.
type LoadedModule struct {
	Name       string
	CDE        core.Address
	EntryPoint core.Address
	Extents    []Extent
}

// LoadAddress returns the start of the first extent.
func (m *LoadedModule) LoadAddress() (core.Address, error) {
	if len(m.Extents) == 0 {
		return 0, errors.Wrap(ErrLoadAddressUnsupported, m.Name)
	}
	return m.Extents[0].Addr, nil
}

// Modules walks the job pack queue of every thread and returns the loaded
// modules in discovery order, without duplicates. Chains that cannot be
// followed are reported in the returned error; the modules found on the
// other chains are still returned.
func (w *Walker) Modules(threads []*Tcb) ([]LoadedModule, error) {
	var (
		mods []LoadedModule
		errs = multierror.New()
		seen = map[core.Address]struct{}{}
	)
	for _, t := range threads {
		jpq, err := t.JobPackQueue()
		if err != nil {
			errs.Add(errors.Wrapf(err, "%s job pack queue", t))
			continue
		}
		for cde := jpq; cde != 0; {
			if _, ok := seen[cde]; ok {
				break
			}
			if len(seen) >= w.limits.MaxModules {
				errs.Add(errors.Errorf("more than %d modules", w.limits.MaxModules))
				return mods, errs.Err()
			}
			seen[cde] = struct{}{}
			m, err := w.readCDE(cde)
			if err != nil {
				errs.Add(errors.Wrapf(err, "CDE %s", cde))
				break
			}
			mods = append(mods, m)
			if cde, err = w.cde.Ptr(w.as, cde, "cdchain"); err != nil {
				errs.Add(errors.Wrapf(err, "CDE chain of %s", t))
				break
			}
		}
	}
	return mods, errs.Err()
}

func (w *Walker) readCDE(cde core.Address) (LoadedModule, error) {
	raw, err := w.cde.Bytes(w.as, cde, "cdname")
	if err != nil {
		return LoadedModule{}, err
	}
	ep, err := w.cde.Ptr(w.as, cde, "cdentpt")
	if err != nil {
		return LoadedModule{}, err
	}
	m := LoadedModule{Name: ebcdic.Decode(raw), CDE: cde, EntryPoint: ep & amodeMask}
	xl, err := w.cde.Ptr(w.as, cde, "cdxlmjp")
	if err != nil || xl == 0 {
		return m, err
	}
	n, err := w.xtlst.Uint(w.as, xl, "xtlnrfac")
	if err != nil {
		return m, err
	}
	f, err := w.xtlst.Field("xtladdr")
	if err != nil {
		return m, err
	}
	if n > uint64(f.Count) {
		return m, errors.Errorf("extent list %s has %d extents", xl, n)
	}
	for i := 0; i < int(n); i++ {
		l, err := w.xtlst.DecodeIndex(w.as, xl, "xtllnth", i)
		if err != nil {
			return m, err
		}
		a, err := w.xtlst.DecodeIndex(w.as, xl, "xtladdr", i)
		if err != nil {
			return m, err
		}
		m.Extents = append(m.Extents, Extent{Addr: core.Address(a) & amodeMask, Len: uint64(l) & 0xFFFFFF})
	}
	return m, nil
}
