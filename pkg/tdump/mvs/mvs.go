// Package mvs reconstructs threads, registers, call stacks and loaded
// modules of a dumped z/OS address space by walking MVS control blocks:
// PSA, ASCB, ASXB and the TCB chain, the request block ring, the linkage
// stack, Language Environment anchors and the contents directory.
//
// Everything read from the dump is untrusted. Every chain walk is bounded,
// and failures are reported per thread or module so that one corrupt
// control block never prevents the rest of the dump from being analysed.
package mvs

import (
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/template"
)

var (
	ErrCorruptThreadChain      = errors.New("corrupt TCB chain")
	ErrCorruptLinkageStack     = errors.New("corrupt linkage stack")
	ErrCorruptRBChain          = errors.New("corrupt request block chain")
	ErrUnsupportedRBChainShape = errors.New("unsupported request block chain shape")
)

// Limits bound the walks over untrusted chains.
type Limits struct {
	MaxThreads             int
	MaxLinkageStackEntries int
	MaxRBChain             int
	MaxFrames              int
	MaxModules             int
}

// DefaultLimits are used for zero fields of Options.Limits.
var DefaultLimits = Limits{
	MaxThreads:             10000,
	MaxLinkageStackEntries: 100,
	MaxRBChain:             1000,
	MaxFrames:              256,
	MaxModules:             4096,
}

func (l Limits) withDefaults() Limits {
	if l.MaxThreads <= 0 {
		l.MaxThreads = DefaultLimits.MaxThreads
	}
	if l.MaxLinkageStackEntries <= 0 {
		l.MaxLinkageStackEntries = DefaultLimits.MaxLinkageStackEntries
	}
	if l.MaxRBChain <= 0 {
		l.MaxRBChain = DefaultLimits.MaxRBChain
	}
	if l.MaxFrames <= 0 {
		l.MaxFrames = DefaultLimits.MaxFrames
	}
	if l.MaxModules <= 0 {
		l.MaxModules = DefaultLimits.MaxModules
	}
	return l
}

// XSBMinRelease is the first operating system release whose extended save
// blocks carry the high halves of the general registers.
const XSBMinRelease = 0x0106

// Options configure a Walker.
type Options struct {
	Templates *template.Set // nil means template.Default()
	Logger    log.Logger
	Limits    Limits
	// OSRelease of the dumped system, as 0xVVRR. Zero if unknown.
	OSRelease int
}

// A Walker interprets the control blocks of one address space.
// It is safe for concurrent use.
type Walker struct {
	as        *core.AddressSpace
	logger    log.Logger
	limits    Limits
	osRelease int

	// Linkage stack entry size, zero until the first stack decodes one.
	lseSize atomic.Int64

	psa, ascb, asxb, tcb, stcb, otcb *template.Template
	rb, xsb                          *template.Template
	lsed, lses, lses1                *template.Template
	celap, caa, sa, f4sa             *template.Template
	cde, xtlst                       *template.Template
}

// New returns a walker for as. It fails if the template set lacks one of
// the structures the walker needs.
func New(as *core.AddressSpace, opts Options) (*Walker, error) {
	set := opts.Templates
	if set == nil {
		set = template.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	w := &Walker{
		as:        as,
		logger:    log.With(logger, "asid", as.ASID()),
		limits:    opts.Limits.withDefaults(),
		osRelease: opts.OSRelease,
	}
	for _, b := range []struct {
		dst  **template.Template
		name string
	}{
		{&w.psa, template.PSA},
		{&w.ascb, template.ASCB},
		{&w.asxb, template.ASXB},
		{&w.tcb, template.TCB},
		{&w.stcb, template.STCB},
		{&w.otcb, template.OTCB},
		{&w.rb, template.RB},
		{&w.xsb, template.XSB},
		{&w.lsed, template.LSED},
		{&w.lses, template.LSES},
		{&w.lses1, template.LSES1},
		{&w.celap, template.CELAP},
		{&w.caa, template.CAA},
		{&w.sa, template.SA},
		{&w.f4sa, template.F4SA},
		{&w.cde, template.CDE},
		{&w.xtlst, template.XTLST},
	} {
		t, err := set.Get(b.name)
		if err != nil {
			return nil, err
		}
		*b.dst = t
	}
	return w, nil
}

// AddressSpace returns the space being walked.
func (w *Walker) AddressSpace() *core.AddressSpace {
	return w.as
}
