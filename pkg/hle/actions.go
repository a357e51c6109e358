package hle

import "strings"

// Action flags accumulated while a host-implemented call runs. The drain in
// finishCall consumes them in a fixed order before the next guest
// instruction executes.
type Action uint32

const (
	AfterNothing          Action = 0x00
	AfterResched          Action = 0x01
	AfterCurrentCallbacks Action = 0x02
	AfterAllCallbacks     Action = 0x04
	AfterReschedCallbacks Action = 0x08
	AfterRunInterrupts    Action = 0x10
	AfterDebugBreak       Action = 0x20
)

// ReasonCapacity bounds the recorded reschedule reason; longer strings are
// truncated, never rejected.
const ReasonCapacity = 511

func (a Action) String() string {
	if a == AfterNothing {
		return "nothing"
	}
	var parts []string
	if a&AfterResched != 0 {
		parts = append(parts, "resched")
	}
	if a&AfterCurrentCallbacks != 0 {
		parts = append(parts, "current-callbacks")
	}
	if a&AfterAllCallbacks != 0 {
		parts = append(parts, "all-callbacks")
	}
	if a&AfterReschedCallbacks != 0 {
		parts = append(parts, "resched-callbacks")
	}
	if a&AfterRunInterrupts != 0 {
		parts = append(parts, "run-interrupts")
	}
	if a&AfterDebugBreak != 0 {
		parts = append(parts, "debug-break")
	}
	return strings.Join(parts, "|")
}

type pendingActions struct {
	mask   Action
	reason string
}

func (p *pendingActions) setReason(reason string) {
	if len(reason) > ReasonCapacity {
		reason = reason[:ReasonCapacity]
	}
	p.reason = reason
}

// RequestReschedule asks for a thread switch once the current call returns.
func (b *Bridge) RequestReschedule(reason string) {
	b.pending.mask |= AfterResched
	b.pending.setReason(reason)
}

// RequestRescheduleWithCallbacks asks for a thread switch that also
// processes waiting callbacks.
func (b *Bridge) RequestRescheduleWithCallbacks(reason string) {
	b.pending.mask |= AfterResched | AfterReschedCallbacks
	b.pending.setReason(reason)
}

// RequestCallbackCheck asks for callback processing: the current thread only
// when currentOnly is set, otherwise every thread.
func (b *Bridge) RequestCallbackCheck(currentOnly bool) {
	if currentOnly {
		b.pending.mask |= AfterCurrentCallbacks
	} else {
		b.pending.mask |= AfterAllCallbacks
	}
}

// RequestInterruptProcessing asks for one pending interrupt to run.
func (b *Bridge) RequestInterruptProcessing() {
	b.pending.mask |= AfterRunInterrupts
}

// RequestDebugBreak asks to enter stepping mode after the call, unless the
// function is on the noise exclusion list.
func (b *Bridge) RequestDebugBreak() {
	b.pending.mask |= AfterDebugBreak
}

// PendingActions exposes the accumulated mask.
func (b *Bridge) PendingActions() Action { return b.pending.mask }

// ReschedReason exposes the recorded reason.
func (b *Bridge) ReschedReason() string { return b.pending.reason }
