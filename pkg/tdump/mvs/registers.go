package mvs

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
	"github.com/grafana/tdump/pkg/tdump/template"
)

// PSW is a program status word: the instruction address and the mask
// bits that precede it.
type PSW struct {
	Mask uint64
	Addr core.Address
}

func (p PSW) String() string {
	return fmt.Sprintf("%016x %016x", p.Mask, uint64(p.Addr))
}

// readPSW8 reads an 8 byte ESA/390 PSW given its mask and address fields.
func readPSW8(as *core.AddressSpace, t *template.Template, base core.Address, mask, addr string) (PSW, error) {
	m, err := t.Uint(as, base, mask)
	if err != nil {
		return PSW{}, err
	}
	a, err := t.Ptr(as, base, addr)
	if err != nil {
		return PSW{}, err
	}
	return PSW{Mask: m, Addr: a}, nil
}

// readPSW16 reads a 16 byte z/Architecture PSW given its two halves.
func readPSW16(as *core.AddressSpace, t *template.Template, base core.Address, hi, lo string) (PSW, error) {
	m, err := t.Uint(as, base, hi)
	if err != nil {
		return PSW{}, err
	}
	a, err := t.Ptr(as, base, lo)
	if err != nil {
		return PSW{}, err
	}
	return PSW{Mask: m, Addr: a}, nil
}

// Source records where a register snapshot was recovered from.
type Source int

const (
	NotAttempted Source = iota
	FromTopFrame
	FromTCB
	FromLinkageStack
	FromSimulatedSyscall
	FromRBChain
	Unavailable
)

func (s Source) String() string {
	switch s {
	case NotAttempted:
		return "not attempted"
	case FromTopFrame:
		return "from top frame"
	case FromTCB:
		return "from TCB"
	case FromLinkageStack:
		return "from linkage stack"
	case FromSimulatedSyscall:
		return "from simulated syscall recovery"
	case FromRBChain:
		return "from RB chain"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// A RegisterSnapshot is the general registers and PSW of a thread.
type RegisterSnapshot struct {
	GPRs   []uint64
	PSW    PSW
	Source Source
	// Detail names the code path within the source, e.g. "BPXGMSTA/TCB".
	Detail string
}

// InstructionPointer returns the PSW instruction address.
func (r *RegisterSnapshot) InstructionPointer() core.Address {
	return r.PSW.Addr
}

// StackPointer returns R13, the save area pointer of the standard linkage.
func (r *RegisterSnapshot) StackPointer() core.Address {
	if len(r.GPRs) <= 13 {
		return 0
	}
	return core.Address(r.GPRs[13])
}

// BasePointer is R13 as well: the save area doubles as the frame.
func (r *RegisterSnapshot) BasePointer() core.Address {
	return r.StackPointer()
}

// An Attempt is one strategy tried while recovering registers.
type Attempt struct {
	Strategy Source
	Err      error
}

// A Recovery is the result of RecoverRegisters. Snapshot is nil when no
// strategy succeeded; that is a valid outcome, not an error.
type Recovery struct {
	Snapshot *RegisterSnapshot
	Source   Source
	Attempts []Attempt
}

var (
	errNoTopFrame       = errors.New("no top frame with saved registers")
	errUSTAUnsupported  = errors.New("registers are in the user state save area, which is not supported")
	errNotSimpleSyscall = errors.New("request block chain has no XSB")
)

// RecoverRegisters determines the most trustworthy register state of a
// thread. Strategies are tried in order and the first success wins; a
// failing strategy never aborts the ones after it:
//
//  1. the registers saved for the current frame by Language Environment,
//  2. the TCB register save area with the PSW of the current RB,
//  3. the simulated BPXGMSTA service, which looks at the RB ring and the
//     linkage stack to find where a thread in a system call saved its state.
func (w *Walker) RecoverRegisters(t *Tcb) Recovery {
	logger := log.With(w.logger, "tcb", t.addr)
	var rec Recovery
	for _, s := range []struct {
		source Source
		fn     func(*Tcb) (*RegisterSnapshot, error)
	}{
		{FromTopFrame, w.registersFromTopFrame},
		{FromTCB, w.registersFromTCB},
		{FromSimulatedSyscall, w.registersFromBPXGMSTA},
	} {
		snap, err := s.fn(t)
		if err == nil && snap != nil {
			rec.Snapshot = snap
			rec.Source = snap.Source
			return rec
		}
		if err == nil {
			err = errors.New("no result")
		}
		rec.Attempts = append(rec.Attempts, Attempt{Strategy: s.source, Err: err})
		if errors.Is(err, ErrUnsupportedRBChainShape) || errors.Is(err, ErrCorruptRBChain) {
			level.Warn(logger).Log("msg", "register recovery strategy failed", "strategy", s.source, "err", err)
		} else {
			level.Debug(logger).Log("msg", "register recovery strategy failed", "strategy", s.source, "err", err)
		}
	}
	rec.Source = Unavailable
	return rec
}

func (w *Walker) registersFromTopFrame(t *Tcb) (*RegisterSnapshot, error) {
	caa, err := t.CAA()
	if err != nil {
		return nil, err
	}
	if caa == 0 {
		return nil, errNoTopFrame
	}
	saved, err := w.caa.Bool(w.as, caa, "ceecaaregsv")
	if err != nil {
		return nil, err
	}
	if !saved {
		return nil, errNoTopFrame
	}
	gprs, err := w.caa.Uints(w.as, caa, "ceecaagprs")
	if err != nil {
		return nil, err
	}
	psw, err := readPSW16(w.as, w.caa, caa, "ceecaapswh", "ceecaapswl")
	if err != nil {
		return nil, err
	}
	return &RegisterSnapshot{GPRs: gprs, PSW: psw, Source: FromTopFrame, Detail: "CAA"}, nil
}

func (w *Walker) registersFromTCB(t *Tcb) (*RegisterSnapshot, error) {
	return w.readTCBRegisters(t, "TCB", false)
}

// readTCBRegisters combines the TCB register save area with the PSW of the
// current RB. On 64-bit spaces the high halves come from the STCB; with
// keepLows set, high halves missing from the dump leave the low halves as
// they are.
func (w *Walker) readTCBRegisters(t *Tcb, detail string, keepLows bool) (*RegisterSnapshot, error) {
	gprs, err := t.Registers31()
	if err != nil {
		return nil, err
	}
	rb, err := t.RBP()
	if err != nil {
		return nil, err
	}
	if rb == 0 {
		return nil, errors.Errorf("%s has no request block", t)
	}
	psw, err := readPSW8(w.as, w.rb, rb, "rbopswm", "rbopswa")
	if err != nil {
		return nil, err
	}
	if w.as.Is64() {
		stcb, err := t.STCB()
		if err != nil {
			return nil, err
		}
		highs, err := w.stcb.Uints(w.as, stcb, "stcbg64h")
		switch {
		case err == nil:
			widen(gprs, highs)
		case keepLows && core.IsFault(err):
			level.Debug(w.logger).Log("msg", "high register halves not in dump", "tcb", t.addr, "err", err)
		default:
			return nil, err
		}
	}
	return &RegisterSnapshot{GPRs: gprs, PSW: psw, Source: FromTCB, Detail: detail}, nil
}

// widen ORs the high halves into the low ones.
func widen(lows, highs []uint64) {
	for i := range lows {
		if i < len(highs) {
			lows[i] = highs[i]<<32 | lows[i]&0xFFFFFFFF
		}
	}
}

// rbftpPRB is the first-type value of a program request block.
const rbftpPRB = 0

// registersFromBPXGMSTA simulates the get-machine-state service.
func (w *Walker) registersFromBPXGMSTA(t *Tcb) (*RegisterSnapshot, error) {
	start, err := t.RBP()
	if err != nil {
		return nil, err
	}
	if start == 0 {
		return nil, errors.Errorf("%s has no request block", t)
	}

	// The RBs form a ring. Remember the last two RB/XSB pairs visited.
	var (
		count           int
		lastRB, lastXSB core.Address
		prevRB, prevXSB core.Address
	)
	for rb := start; ; {
		count++
		if count > w.limits.MaxRBChain {
			return nil, errors.Wrapf(ErrCorruptRBChain, "more than %d RBs", w.limits.MaxRBChain)
		}
		xsb, err := w.rb.Ptr(w.as, rb, "rbxsb")
		if err != nil {
			return nil, err
		}
		prevRB, prevXSB = lastRB, lastXSB
		lastRB, lastXSB = rb, xsb
		next, err := w.rb.Ptr(w.as, rb, "rblinkb")
		if err != nil {
			return nil, err
		}
		if next == start {
			break
		}
		if next == 0 {
			return nil, errors.Wrapf(ErrCorruptRBChain, "RB %s has no link", rb)
		}
		rb = next
	}

	if count == 1 {
		return w.registersFromLinkageStack(t)
	}

	ftp, err := w.rb.Decode(w.as, prevRB, "rbftp")
	if err != nil {
		return nil, err
	}
	if ftp != rbftpPRB {
		return nil, errors.Wrapf(ErrUnsupportedRBChainShape, "%d RBs, RB %s has first type %d", count, prevRB, ftp)
	}
	gprs, err := w.rb.Uints(w.as, prevRB, "rbgrsave")
	if err != nil {
		return nil, err
	}
	if w.as.Is64() || w.osRelease >= XSBMinRelease {
		if prevXSB == 0 {
			return nil, errors.Wrapf(errNotSimpleSyscall, "RB %s", prevRB)
		}
		highs, err := w.xsb.Uints(w.as, prevXSB, "xsbg64h")
		if err != nil {
			return nil, err
		}
		widen(gprs, highs)
	}
	psw, err := readPSW8(w.as, w.rb, prevRB, "rbopswm", "rbopswa")
	if err != nil {
		return nil, err
	}
	return &RegisterSnapshot{GPRs: gprs, PSW: psw, Source: FromRBChain, Detail: "BPXGMSTA/RB"}, nil
}

// registersFromLinkageStack handles a thread with a single RB: its state
// was saved on the linkage stack when it entered the kernel.
func (w *Walker) registersFromLinkageStack(t *Tcb) (*RegisterSnapshot, error) {
	lses, err := w.LinkageStack(t)
	if err != nil {
		return nil, err
	}
	if len(lses) == 0 {
		return w.readTCBRegisters(t, "BPXGMSTA/TCB", true)
	}
	inSyscall, err := w.inSlowPathSyscall(t, lses[0])
	if err != nil {
		return nil, err
	}
	if inSyscall {
		// The state is in the USTA; its layout is not reliable enough to
		// guess at, so this path yields no result.
		return nil, errUSTAUnsupported
	}
	oldest := lses[len(lses)-1]
	psw, err := oldest.PSW()
	if err != nil {
		return nil, err
	}
	gprs, err := oldest.Registers()
	if err != nil {
		return nil, err
	}
	return &RegisterSnapshot{GPRs: gprs, PSW: psw, Source: FromLinkageStack, Detail: "BPXGMSTA/LSE"}, nil
}

// inSlowPathSyscall reports whether the newest linkage stack entry is a
// program call into the kernel that did not take the fast path and left a
// copy-on-fork sub-block behind.
func (w *Walker) inSlowPathSyscall(t *Tcb, newest *LinkageStackEntry) (bool, error) {
	typ, err := newest.Type()
	if err != nil {
		return false, err
	}
	if typ != LSETypePC {
		return false, nil
	}
	stcb, err := t.STCB()
	if err != nil {
		return false, err
	}
	otcb, err := w.stcb.Ptr(w.as, stcb, "stcbotcb")
	if err != nil || otcb == 0 {
		return false, err
	}
	fast, err := w.otcb.Bool(w.as, otcb, "otcbfastpath")
	if err != nil || fast {
		return false, err
	}
	cofsb, err := w.otcb.Ptr(w.as, otcb, "otcbcofsb")
	if err != nil {
		return false, err
	}
	return cofsb != 0, nil
}
