package process

import (
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/lazy"
	"github.com/grafana/tdump/pkg/tdump/mvs"
	"github.com/grafana/tdump/pkg/tdump/symbols"
)

// A Thread is one TCB of the process.
type Thread struct {
	p   *Process
	w   *mvs.Walker
	tcb *mvs.Tcb

	recovery lazy.Value[mvs.Recovery]
	frames   lazy.Value[[]mvs.StackFrame]
}

// A Frame is a stack frame together with the module its instruction
// address falls in, if one is known.
type Frame struct {
	mvs.StackFrame
	Module *symbols.Module
}

// ID identifies the thread within the dump as ASID/TCB address.
func (t *Thread) ID() string {
	return fmt.Sprintf("%04X/%08X", t.ASID(), uint64(t.tcb.Address()))
}

func (t *Thread) ASID() uint16 { return t.w.AddressSpace().ASID() }

func (t *Thread) TCB() *mvs.Tcb { return t.tcb }

func (t *Thread) String() string { return t.ID() }

// Failing reports whether the task ended abnormally.
func (t *Thread) Failing() bool { return t.tcb.Failing() }

// Recovery returns how the registers of the thread were recovered,
// including the strategies that failed.
func (t *Thread) Recovery() mvs.Recovery {
	rec, _ := t.recovery.Get(func() (mvs.Recovery, error) {
		rec := t.w.RecoverRegisters(t.tcb)
		t.p.metrics.recoveries.WithLabelValues(rec.Source.String()).Inc()
		if rec.Snapshot != nil {
			return rec, nil
		}
		level.Debug(t.p.logger).Log("msg", "no registers for thread", "thread", t.ID(), "attempts", len(rec.Attempts))
		if err := damagedAttempt(rec); err != nil {
			t.p.warn(unitRegisters, errors.Wrapf(err, "thread %s: registers unavailable", t.ID()))
		}
		return rec, nil
	})
	return rec
}

// damagedAttempt returns the first strategy error caused by control blocks
// that are missing from the dump, corrupt or of an unsupported shape.
// Strategies that do not apply to the thread are not reported.
func damagedAttempt(rec mvs.Recovery) error {
	for _, a := range rec.Attempts {
		switch {
		case core.IsFault(a.Err),
			errors.Is(a.Err, mvs.ErrCorruptRBChain),
			errors.Is(a.Err, mvs.ErrCorruptLinkageStack),
			errors.Is(a.Err, mvs.ErrUnsupportedRBChainShape):
			return a.Err
		}
	}
	return nil
}

// Registers returns the recovered registers, nil if none could be found.
func (t *Thread) Registers() *mvs.RegisterSnapshot {
	return t.Recovery().Snapshot
}

// InstructionPointer, StackPointer and BasePointer are zero when the
// registers are unavailable.
func (t *Thread) InstructionPointer() core.Address {
	if r := t.Registers(); r != nil {
		return r.InstructionPointer()
	}
	return 0
}

func (t *Thread) StackPointer() core.Address {
	if r := t.Registers(); r != nil {
		return r.StackPointer()
	}
	return 0
}

func (t *Thread) BasePointer() core.Address {
	if r := t.Registers(); r != nil {
		return r.BasePointer()
	}
	return 0
}

// walk returns the raw frames; the first walk is kept for the lifetime of
// the process.
func (t *Thread) walk() []mvs.StackFrame {
	frames, _ := t.frames.Get(func() ([]mvs.StackFrame, error) {
		regs := t.Registers()
		frames := t.w.Frames(t.tcb, regs)
		if regs != nil && len(frames) == 1 && frames[0].IP == 0 {
			t.p.warn(unitFrames, errors.Errorf("thread %s: no stack", t.ID()))
		}
		return frames, nil
	})
	return frames
}

// StackFrames returns the call stack of the thread, newest frame first,
// each frame annotated with its module. A thread whose stack cannot be
// walked has a single frame with a zero instruction pointer.
func (t *Thread) StackFrames() []Frame {
	raw := t.walk()
	modules := t.p.Modules()
	out := make([]Frame, len(raw))
	for i, f := range raw {
		out[i] = Frame{StackFrame: f, Module: moduleAt(modules, t.ASID(), f.IP)}
	}
	return out
}
