package mvs

import (
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
)

// A Tcb is a Task Control Block: one thread of the address space.
// Its identity is its address.
type Tcb struct {
	w    *Walker
	addr core.Address
}

// Tcb returns the thread whose control block is at addr.
func (w *Walker) Tcb(addr core.Address) *Tcb {
	return &Tcb{w: w, addr: addr}
}

func (t *Tcb) Address() core.Address { return t.addr }

func (t *Tcb) String() string {
	return fmt.Sprintf("TCB %s", t.addr)
}

// CompletionCode returns the abend completion code, zero if the task has
// not failed.
func (t *Tcb) CompletionCode() (uint32, error) {
	v, err := t.w.tcb.Uint(t.w.as, t.addr, "tcbcmp")
	return uint32(v), err
}

// Failing reports whether the task ended with a non-zero completion code.
// An unreadable completion code is reported as not failing.
func (t *Tcb) Failing() bool {
	cc, err := t.CompletionCode()
	return err == nil && cc != 0
}

// RBP returns the newest request block.
func (t *Tcb) RBP() (core.Address, error) {
	return t.w.tcb.Ptr(t.w.as, t.addr, "tcbrbp")
}

// STCB returns the secondary TCB.
func (t *Tcb) STCB() (core.Address, error) {
	a, err := t.w.tcb.Ptr(t.w.as, t.addr, "tcbstcb")
	if err == nil && a == 0 {
		err = errors.Errorf("%s has no STCB", t)
	}
	return a, err
}

// Registers31 returns the low halves of the general registers saved in the TCB.
func (t *Tcb) Registers31() ([]uint64, error) {
	return t.w.tcb.Uints(t.w.as, t.addr, "tcbgrs")
}

// JobPackQueue returns the first contents directory entry of the task.
func (t *Tcb) JobPackQueue() (core.Address, error) {
	return t.w.tcb.Ptr(t.w.as, t.addr, "tcbjpq")
}

// CAA returns the Language Environment common anchor area of the task,
// or zero if the task does not run under Language Environment.
func (t *Tcb) CAA() (core.Address, error) {
	celap, err := t.w.tcb.Ptr(t.w.as, t.addr, "tcbcelap")
	if err != nil || celap == 0 {
		return 0, err
	}
	return t.w.celap.Ptr(t.w.as, celap, "celapcaa")
}

// WSA returns the writable static area of the task's enclave, or zero.
func (t *Tcb) WSA() (core.Address, error) {
	caa, err := t.CAA()
	if err != nil || caa == 0 {
		return 0, err
	}
	return t.w.caa.Ptr(t.w.as, caa, "ceecaawsa")
}

// Threads walks the TCB chain of the address space: PSA → ASCB → ASXB,
// then tcbtcb from the first TCB up to the last one. An address space
// without an ASCB, or whose first and last TCB pointers are equal, has no
// threads; that is not an error.
//
// When the chain turns out to be corrupt the threads found so far are
// returned together with the error.
func (w *Walker) Threads() ([]*Tcb, error) {
	ascb, err := w.psa.Ptr(w.as, 0, "psaaold")
	if err != nil {
		return nil, errors.Wrap(err, "read ASCB anchor")
	}
	if ascb == 0 {
		return nil, nil
	}
	if id, err := w.ascb.Uint(w.as, ascb, "ascbasid"); err == nil && id != 0 && id != uint64(w.as.ASID()) {
		level.Warn(w.logger).Log("msg", "ASCB belongs to another address space", "ascb", ascb, "ascbasid", fmt.Sprintf("%04X", id))
	}
	asxb, err := w.ascb.Ptr(w.as, ascb, "ascbasxb")
	if err != nil {
		return nil, errors.Wrap(err, "read ASXB")
	}
	if asxb == 0 {
		return nil, nil
	}
	first, err := w.asxb.Ptr(w.as, asxb, "asxbftcb")
	if err != nil {
		return nil, errors.Wrap(err, "read first TCB")
	}
	last, err := w.asxb.Ptr(w.as, asxb, "asxbltcb")
	if err != nil {
		return nil, errors.Wrap(err, "read last TCB")
	}
	if first == last {
		return nil, nil
	}

	var threads []*Tcb
	for p := first; ; {
		if len(threads) >= w.limits.MaxThreads {
			level.Warn(w.logger).Log("msg", "TCB chain exceeds limit", "limit", w.limits.MaxThreads)
			return threads, errors.Wrapf(ErrCorruptThreadChain, "more than %d TCBs", w.limits.MaxThreads)
		}
		threads = append(threads, w.Tcb(p))
		if p == last {
			break
		}
		next, err := w.tcb.Ptr(w.as, p, "tcbtcb")
		if err != nil {
			return threads, errors.Wrapf(err, "follow TCB chain from %s", p)
		}
		if next == 0 {
			break
		}
		p = next
	}
	return threads, nil
}
