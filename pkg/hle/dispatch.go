package hle

import (
	"fmt"

	"go.uber.org/zap"

	"allegrex/pkg/guestfault"
)

// Dispatch is the runtime counterpart of the encoder: the trampoline service
// loop hands it every trap word the guest executes. Integrity faults in the
// word itself panic under the debugasserts build tag and are logged and
// ignored otherwise; a missing handler is reported and skipped so the guest
// keeps running.
func (b *Bridge) Dispatch(op uint32) {
	moduleIndex, funcIndex := DecodeSyscall(op)
	if funcIndex == invalidFuncIndex || op == 0xFFFF {
		b.integrityFault("unknown syscall 0x%08x, module %s",
			op, b.ModuleName(moduleIndex))
		return
	}
	if moduleIndex >= len(b.modules) || funcIndex >= len(b.modules[moduleIndex].Funcs) {
		b.integrityFault("syscall 0x%08x out of registry range (module %d, func %d)",
			op, moduleIndex, funcIndex)
		return
	}

	fn := &b.modules[moduleIndex].Funcs[funcIndex]
	if fn.Handler == nil {
		b.log.Error("unimplemented syscall",
			zap.String("module", b.modules[moduleIndex].Name),
			zap.String("func", fn.Name),
			zap.Uint32("nid", fn.NID))
		return
	}

	fn.Handler(b)
	if b.pending.mask != AfterNothing {
		b.finishCall(fn)
	}
}

// finishCall drains the accumulated post-call actions in the required
// order: current-thread callbacks, one interrupt, then exactly one of
// reschedule-with-callbacks / reschedule / all-thread callbacks, then the
// debug break. An excluded debug break is deferred, not dropped: the state
// collapses to the break bit alone and fires after the next call.
func (b *Bridge) finishCall(fn *Function) {
	if b.pending.mask&AfterCurrentCallbacks != 0 {
		b.sched.ForceRunCurrentCallbacks()
	}
	if b.pending.mask&AfterRunInterrupts != 0 {
		b.sched.RunPendingInterrupt()
	}
	if b.pending.mask&AfterReschedCallbacks != 0 {
		b.sched.Reschedule(true, b.pending.reason)
	} else if b.pending.mask&AfterResched != 0 {
		b.sched.Reschedule(false, b.pending.reason)
	} else if b.pending.mask&AfterAllCallbacks != 0 {
		b.sched.CheckAllCallbacks()
	}
	if b.pending.mask&AfterDebugBreak != 0 {
		if !b.executeDebugBreak(fn) {
			b.pending.mask = AfterDebugBreak
			b.pending.reason = ""
			return
		}
	}
	b.pending.mask = AfterNothing
	b.pending.reason = ""
}

// executeDebugBreak enters stepping mode unless fn is on the exclusion
// list. Interrupt suspend/resume and the idle function fire constantly and
// would make the break land somewhere useless.
func (b *Bridge) executeDebugBreak(fn *Function) bool {
	for _, nid := range debugBreakExcluded {
		if fn.NID == nid {
			return false
		}
	}
	b.dbg.EnterStepping()
	b.debugMode = true
	b.dbg.SetDebugMode(true)
	return true
}

// integrityFault reports a condition only broken guest code can produce.
func (b *Bridge) integrityFault(format string, args ...interface{}) {
	if debugAsserts {
		panic(guestfault.Faultf(format, args...))
	}
	b.log.Error(fmt.Sprintf(format, args...))
}
