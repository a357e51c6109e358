package jit

import "allegrex/pkg/mips"

// The trampoline block: the fixed native routines bridging guest execution
// and host control. Generated once into the front of the code region, before
// anything can execute, and never touched again.
//
// Register conventions inside the region:
//
//	RDI  *mips.State, stable for the whole stay in generated code
//	RSI  RAM bias: host base of guest RAM minus its guest base address,
//	     so host = RSI + guest for any 32-bit guest address
//	RAX, RCX, RDX  scratch
//
// Generated code calls nothing. A routine that needs the host (block lookup
// miss, syscall trap, breakpoint, FP condition) sets EAX to an ExitReason
// and EDX to its argument and jumps to the shared epilogue, which restores
// the saved host context and returns to the assembly bridge.

// Trampolines holds the published entry addresses of the generated routines.
type Trampolines struct {
	// Entry saves the host call context, loads the working registers, and
	// falls into the outer loop. Every re-entry from Go comes through here.
	Entry uintptr
	// OuterLoop is the top of the dispatch cycle. Blocks jump back into it
	// (through one of the dispatcher variants) when they finish.
	OuterLoop uintptr
	// Dispatcher checks the run state and FP cause bits before dispatching.
	Dispatcher uintptr
	// DispatcherNoCheck skips those checks; translated blocks chain through
	// it on the hot path.
	DispatcherNoCheck uintptr
	// FPException reports pending FP cause bits to the host.
	FPException uintptr
	// BreakpointBailout unwinds to the host when a break instruction fires
	// mid-block.
	BreakpointBailout uintptr
	// SyscallExit unwinds to the host with the trap word in EDX.
	SyscallExit uintptr
	// MemFaultExit unwinds to the host with the faulting address in EDX.
	MemFaultExit uintptr

	epilogue uintptr
}

// tgen is a thin label/fixup layer over the assembler, enough for the fixed
// forward jumps inside the trampoline block.
type tgen struct {
	a      *Assembler
	base   uintptr
	labels map[string]int
	fixups []fixup
}

type fixup struct {
	pos   int // offset of the rel32 field
	label string
}

func (g *tgen) label(name string) uintptr {
	g.labels[name] = g.a.Offset()
	return g.base + uintptr(g.a.Offset())
}

func (g *tgen) ref(label string) {
	g.fixups = append(g.fixups, fixup{pos: g.a.Offset() - 4, label: label})
}

func (g *tgen) jmp(label string) {
	g.a.JmpRel32(0)
	g.ref(label)
}

func (g *tgen) jcc(emit func(int32), label string) {
	emit(0)
	g.ref(label)
}

func (g *tgen) resolve() {
	for _, f := range g.fixups {
		target, ok := g.labels[f.label]
		if !ok {
			panic("jit: unresolved trampoline label " + f.label)
		}
		g.a.PatchInt32(f.pos, int32(target-(f.pos+4)))
	}
}

// GenerateTrampolines emits the trampoline block at the assembler's current
// position and returns the published entries. ramBias is the host-minus-
// guest address offset of guest RAM. The assembler must target the code
// region while it is still writable.
func GenerateTrampolines(a *Assembler, base uintptr, ramBias uint64) Trampolines {
	g := &tgen{a: a, base: base, labels: make(map[string]int)}
	var t Trampolines

	// Entry: save the host context, set up working registers. RDI already
	// holds the state pointer, placed there by the assembly bridge.
	t.Entry = g.label("entry")
	a.Push(RBX)
	a.Push(RBP)
	a.Push(R12)
	a.Push(R13)
	a.Push(R14)
	a.Push(R15)
	a.MovRegImm64(RSI, ramBias)
	// falls into the outer loop

	t.OuterLoop = g.label("outerLoop")
	t.Dispatcher = g.label("dispatcher")
	a.MovRegMem32(RAX, RDI, OffRunState)
	a.TestRegReg32(RAX, RAX)
	g.jcc(a.JneNear, "exitHalt")
	a.MovRegMem32(RAX, RDI, OffFCR31)
	a.TestRegImm32(RAX, mips.FPCauseMask)
	g.jcc(a.JneNear, "fpException")

	t.DispatcherNoCheck = g.label("dispatcherNoCheck")
	a.MovRegMem32(RAX, RDI, OffDowncount)
	a.TestRegReg32(RAX, RAX)
	g.jcc(a.JsNear, "exitTimeslice")
	// index = (PC - CodeStart) / 4, bounds-checked against the table
	a.MovRegMem32(RAX, RDI, OffPC)
	a.MovRegMem32(RCX, RDI, OffCodeStart)
	a.SubRegReg32(RAX, RCX)
	a.Shr32RegImm8(RAX, 2)
	a.MovRegMem32(RCX, RDI, OffBlockTableLen)
	a.CmpRegReg32(RAX, RCX)
	g.jcc(a.JaeNear, "exitCompile")
	a.MovRegMem64(RCX, RDI, OffBlockTable)
	a.MovRegMemScaled(RCX, RCX, RAX, 8)
	a.TestRegReg(RCX, RCX)
	g.jcc(a.JeNear, "exitCompile")
	a.JmpReg(RCX)

	t.FPException = g.label("fpException")
	a.MovRegMem32(RDX, RDI, OffFCR31)
	a.MovRegImm32(RAX, uint32(ExitFPException))
	g.jmp("epilogue")

	t.BreakpointBailout = g.label("breakpointBailout")
	a.MovRegMem32(RDX, RDI, OffPC)
	a.MovRegImm32(RAX, uint32(ExitBreakpoint))
	g.jmp("epilogue")

	t.SyscallExit = g.label("syscallExit")
	a.MovRegImm32(RAX, uint32(ExitSyscall))
	g.jmp("epilogue")

	t.MemFaultExit = g.label("memFaultExit")
	a.MovRegImm32(RAX, uint32(ExitMemFault))
	g.jmp("epilogue")

	g.label("exitCompile")
	a.MovRegMem32(RDX, RDI, OffPC)
	a.MovRegImm32(RAX, uint32(ExitCompile))
	g.jmp("epilogue")

	g.label("exitTimeslice")
	a.MovRegMem32(RDX, RDI, OffPC)
	a.MovRegImm32(RAX, uint32(ExitTimeslice))
	g.jmp("epilogue")

	g.label("exitHalt")
	a.MovRegMem32(RDX, RDI, OffRunState)
	a.MovRegImm32(RAX, uint32(ExitHalt))
	// falls into the epilogue

	t.epilogue = g.label("epilogue")
	a.Pop(R15)
	a.Pop(R14)
	a.Pop(R13)
	a.Pop(R12)
	a.Pop(RBP)
	a.Pop(RBX)
	a.Ret()

	g.resolve()
	return t
}
