// Package process presents a dump as a process: its threads with their
// registers and stacks, and its loaded modules with their symbols.
//
// Everything is computed on first use and cached. A thread or module that
// cannot be decoded is reported degraded and recorded in Warnings; it never
// prevents the rest of the dump from being analysed.
package process

import (
	"context"
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/dumpfile"
	"github.com/grafana/tdump/pkg/tdump/lazy"
	"github.com/grafana/tdump/pkg/tdump/mvs"
	"github.com/grafana/tdump/pkg/tdump/symbols"
)

var ErrUnknownAddressSpace = errors.New("unknown address space")

// A Process is the analysable view of a dump.
type Process struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	dump    *dumpfile.Dump // nil unless opened by Open

	asids   []uint16
	walkers map[uint16]*mvs.Walker

	threads lazy.Map[uint16, []*Thread]
	modules lazy.Value[[]*symbols.Module]

	warnMu   sync.Mutex
	warnings multierror.MultiError
}

// New returns a process over the given address spaces.
func New(cfg Config, spaces []*core.AddressSpace, logger log.Logger, reg prometheus.Registerer) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	templates, err := cfg.templates()
	if err != nil {
		return nil, err
	}
	p := &Process{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg),
		walkers: make(map[uint16]*mvs.Walker, len(spaces)),
	}
	for _, as := range spaces {
		if _, dup := p.walkers[as.ASID()]; dup {
			return nil, errors.Errorf("duplicate address space %04X", as.ASID())
		}
		w, err := mvs.New(as, mvs.Options{
			Templates: templates,
			Logger:    logger,
			Limits:    cfg.limits(),
			OSRelease: cfg.OSRelease,
		})
		if err != nil {
			return nil, err
		}
		p.walkers[as.ASID()] = w
		p.asids = append(p.asids, as.ASID())
	}
	sort.Slice(p.asids, func(i, j int) bool { return p.asids[i] < p.asids[j] })
	return p, nil
}

// Open opens a dump file and returns the process it holds. Close releases
// the file.
func Open(cfg Config, path string, logger log.Logger, reg prometheus.Registerer) (*Process, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d, err := dumpfile.Open(path, dumpfile.Options{Bits: cfg.Bits}, logger)
	if err != nil {
		return nil, err
	}
	p, err := New(cfg, d.AddressSpaces(), logger, reg)
	if err != nil {
		d.Close()
		return nil, err
	}
	p.dump = d
	return p, nil
}

func (p *Process) Close() error {
	if p.dump == nil {
		return nil
	}
	return p.dump.Close()
}

// AddressSpaces returns the ASIDs of the process, ascending.
func (p *Process) AddressSpaces() []uint16 {
	return append([]uint16(nil), p.asids...)
}

func (p *Process) warn(unit string, err error) {
	p.metrics.decodeFailures.WithLabelValues(unit).Inc()
	p.warnMu.Lock()
	p.warnings.Add(err)
	p.warnMu.Unlock()
}

// Warnings returns the failures met so far, nil if there were none.
func (p *Process) Warnings() error {
	p.warnMu.Lock()
	defer p.warnMu.Unlock()
	return multierror.New(append([]error(nil), p.warnings...)...).Err()
}

// Threads returns the threads of one address space in chain order. When the
// chain is corrupt the threads before the damage are returned along with
// the error.
func (p *Process) Threads(asid uint16) ([]*Thread, error) {
	w, ok := p.walkers[asid]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAddressSpace, "%04X", asid)
	}
	return p.threads.Get(asid, func() ([]*Thread, error) {
		tcbs, err := w.Threads()
		p.metrics.threadsWalked.Add(float64(len(tcbs)))
		if err != nil {
			err = errors.Wrapf(err, "address space %04X", asid)
			level.Warn(p.logger).Log("msg", "thread chain incomplete", "asid", asid, "threads", len(tcbs), "err", err)
			p.warn(unitThreads, err)
		}
		threads := make([]*Thread, len(tcbs))
		for i, tcb := range tcbs {
			threads[i] = &Thread{p: p, w: w, tcb: tcb}
		}
		return threads, err
	})
}

// AllThreads returns the threads of every address space, ordered by ASID.
// Address spaces are walked concurrently; their failures are recorded in
// Warnings and do not stop the others. The error is non-nil only if ctx is
// cancelled.
func (p *Process) AllThreads(ctx context.Context) ([]*Thread, error) {
	results := make([][]*Thread, len(p.asids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, asid := range p.asids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i], _ = p.Threads(asid)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []*Thread
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}
