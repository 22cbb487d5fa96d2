package mvs

import (
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/ebcdic"
)

// A StackFrame is one activation found on the save area chain.
type StackFrame struct {
	IP core.Address // instruction address within the frame's routine
	SP core.Address // save area of the frame
	BP core.Address
	// EntryPoint of the frame's routine, zero if unknown.
	EntryPoint core.Address
	// Symbol is the routine name found at EntryPoint, if any.
	Symbol string
	// Registers is set on the top frame only.
	Registers *RegisterSnapshot
}

func (f StackFrame) String() string {
	name := f.Symbol
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("%s sp=%s %s", f.IP, f.SP, name)
}

type saveArea struct {
	hsa      core.Address // caller's save area
	r14, r15 core.Address
	f4sa     bool
}

const amodeMask = 0x7FFFFFFF

func (w *Walker) readSaveArea(a core.Address) (saveArea, error) {
	eye, err := w.f4sa.Bytes(w.as, a, "f4saeye")
	if err != nil {
		return saveArea{}, err
	}
	if ebcdic.Equal(eye, "F4SA") {
		var sa saveArea
		sa.f4sa = true
		if sa.hsa, err = w.f4sa.Ptr(w.as, a, "f4sahsa"); err != nil {
			return saveArea{}, err
		}
		if sa.r14, err = w.f4sa.Ptr(w.as, a, "f4sar14"); err != nil {
			return saveArea{}, err
		}
		if sa.r15, err = w.f4sa.Ptr(w.as, a, "f4sar15"); err != nil {
			return saveArea{}, err
		}
		return sa, nil
	}
	var sa saveArea
	if sa.hsa, err = w.sa.Ptr(w.as, a, "sahsa"); err != nil {
		return saveArea{}, err
	}
	if sa.r14, err = w.sa.Ptr(w.as, a, "sar14"); err != nil {
		return saveArea{}, err
	}
	if sa.r15, err = w.sa.Ptr(w.as, a, "sar15"); err != nil {
		return saveArea{}, err
	}
	sa.hsa &= amodeMask
	sa.r14 &= amodeMask
	sa.r15 &= amodeMask
	return sa, nil
}

// Frames walks the save area chain of a thread, newest frame first.
// The chain starts at the current DSA of Language Environment when the
// thread has a CAA, otherwise at R13 of regs. Without either the result is
// a single frame with a zero instruction pointer.
//
// Walking stops at the first unreadable or looping save area; the frames
// found up to that point are returned.
func (w *Walker) Frames(t *Tcb, regs *RegisterSnapshot) []StackFrame {
	var start core.Address
	if caa, err := t.CAA(); err == nil && caa != 0 {
		if dsa, err := w.caa.Ptr(w.as, caa, "ceecaaddsa"); err == nil {
			start = dsa
		}
	}
	if start == 0 && regs != nil {
		start = regs.StackPointer()
	}
	top := StackFrame{Registers: regs}
	if regs != nil {
		top.IP = regs.InstructionPointer()
	}
	if start == 0 {
		return []StackFrame{top}
	}
	top.SP, top.BP = start, start

	frames := []StackFrame{top}
	seen := map[core.Address]struct{}{start: {}}
	for dsa := start; len(frames) < w.limits.MaxFrames; {
		sa, err := w.readSaveArea(dsa)
		if err != nil {
			level.Debug(w.logger).Log("msg", "stack walk stopped", "tcb", t.addr, "dsa", dsa, "err", err)
			break
		}
		caller := sa.hsa
		if caller == 0 {
			break
		}
		if _, loop := seen[caller]; loop {
			level.Debug(w.logger).Log("msg", "save area chain loops", "tcb", t.addr, "dsa", caller)
			break
		}
		seen[caller] = struct{}{}
		// The caller's save area holds the return address into the caller
		// and the entry point of the routine that saved it.
		csa, err := w.readSaveArea(caller)
		if err != nil {
			break
		}
		frames[len(frames)-1].EntryPoint = csa.r15
		frames = append(frames, StackFrame{IP: csa.r14, SP: caller, BP: caller})
		dsa = caller
	}
	for i := range frames {
		if frames[i].EntryPoint != 0 {
			frames[i].Symbol = w.EntryPointName(frames[i].EntryPoint)
		}
	}
	return frames
}

// EntryPointName returns the name embedded in the standard entry linkage of
// the routine at ep ("B len(,R15)", a length byte, then the EBCDIC name),
// or "" if there is none.
func (w *Walker) EntryPointName(ep core.Address) string {
	ep &= ^core.Address(1)
	code, err := w.as.ReadBytes(ep, 5)
	if err != nil {
		return ""
	}
	if code[0] != 0x47 || code[1] != 0xF0 || code[2]&0xF0 != 0xF0 {
		return ""
	}
	n := int(code[4])
	if n == 0 || n > 64 {
		return ""
	}
	name, err := w.as.ReadBytes(ep.Add(5), n)
	if err != nil || !ebcdic.Printable(name) {
		return ""
	}
	return ebcdic.Decode(name)
}
