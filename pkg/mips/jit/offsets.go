// Package jit holds the native execution backend: an executable code region
// with a write-then-protect lifecycle, an x86-64 emitter, the generated
// trampoline routines forming the outer execution loop, and a block compiler
// for the hot subset of the instruction set. Generated code never calls back
// into Go; anything that needs the host unwinds through a shared epilogue
// with an exit code, and the runner services the exit before re-entering.
package jit

// Byte offsets into mips.State read and written by generated code. They must
// match the struct layout documented on mips.State; TestStateOffsets pins
// them.
const (
	OffGPR           = 0
	OffHi            = 128
	OffLo            = 132
	OffPC            = 136
	OffFCR31         = 140
	OffRunState      = 144
	OffDowncount     = 148
	OffBlockTable    = 152
	OffBlockTableLen = 160
	OffCodeStart     = 164
)

// OffReg returns the state offset of a guest register.
func OffReg(r int) int32 { return int32(OffGPR + 4*r) }

// ExitReason is what generated code leaves in EAX when it unwinds through
// the epilogue. EDX carries the argument.
type ExitReason uint32

const (
	// ExitCompile means the dispatcher found no translated block for the
	// current PC. Argument: the PC.
	ExitCompile ExitReason = iota
	// ExitSyscall means a translated block executed a syscall trap.
	// Argument: the raw instruction word. PC has already been moved to the
	// resume address.
	ExitSyscall
	// ExitBreakpoint means a break instruction fired. Argument: its PC,
	// which is also where PC was left.
	ExitBreakpoint
	// ExitFPException means the checked dispatcher saw FCR31 cause bits
	// set. Argument: the FCR31 value.
	ExitFPException
	// ExitHalt means the checked dispatcher saw a run state other than
	// running. Argument: the run state word.
	ExitHalt
	// ExitTimeslice means the downcount went negative. Argument: the PC.
	ExitTimeslice
	// ExitMemFault means a translated load or store aimed outside guest
	// RAM. Argument: the faulting address. PC was left on the instruction.
	ExitMemFault
)

func (e ExitReason) String() string {
	switch e {
	case ExitCompile:
		return "compile"
	case ExitSyscall:
		return "syscall"
	case ExitBreakpoint:
		return "breakpoint"
	case ExitFPException:
		return "fp-exception"
	case ExitHalt:
		return "halt"
	case ExitTimeslice:
		return "timeslice"
	case ExitMemFault:
		return "mem-fault"
	}
	return "unknown"
}
