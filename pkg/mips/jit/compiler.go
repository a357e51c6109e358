package jit

import (
	"allegrex/pkg/mem"
	"allegrex/pkg/mips"
)

// maxBlockLen caps how many guest instructions one translated block covers.
const maxBlockLen = 64

// estimated worst-case native bytes per translated guest instruction, used
// to refuse compilation near the end of the region instead of overrunning.
const maxBytesPerInstr = 64

// Compiler translates straight-line runs of guest instructions into native
// code that chains back through the dispatcher. Guest registers live in the
// state struct; every operation loads its operands from [RDI + 4*reg] and
// stores the result back, trading peak speed for a translator small enough
// to audit. Anything outside the translated subset ends the block and falls
// back to the interpreter.
type Compiler struct {
	ram   *mem.RAM
	tramp *Trampolines
	base  uintptr
}

// CompiledBlock describes one translated run.
type CompiledBlock struct {
	StartPC uint32
	EndPC   uint32 // first guest address after the block
	Entry   uintptr
	Len     int // guest instructions covered, delay slots included
	Size    int // native bytes
}

func NewCompiler(ram *mem.RAM, tramp *Trampolines, base uintptr) *Compiler {
	return &Compiler{ram: ram, tramp: tramp, base: base}
}

// jmpAbs emits a jmp rel32 to an absolute address inside the code region.
func (c *Compiler) jmpAbs(a *Assembler, target uintptr) {
	next := c.base + uintptr(a.Offset()) + 5
	a.JmpRel32(int32(int64(target) - int64(next)))
}

func loadReg(a *Assembler, dst Reg, r int) {
	if r == mips.RegZero {
		a.XorRegReg32(dst, dst)
		return
	}
	a.MovRegMem32(dst, RDI, OffReg(r))
}

func storeReg(a *Assembler, r int, src Reg) {
	if r == mips.RegZero {
		return
	}
	a.MovMem32Reg(RDI, OffReg(r), src)
}

// Compile translates the block starting at pc. It returns nil when the very
// first instruction is outside the translated subset; the caller then steps
// it with the interpreter instead.
func (c *Compiler) Compile(a *Assembler, pc uint32) *CompiledBlock {
	if a.Room() < maxBlockLen*maxBytesPerInstr {
		return nil
	}
	start := a.Offset()
	blk := &CompiledBlock{StartPC: pc, Entry: c.base + uintptr(start)}

	// Downcount charge for the whole block; patched once the length is
	// known.
	a.SubMem32Imm32(RDI, OffDowncount, 0)
	chargeAt := a.Offset() - 4

	cur := pc
	terminated := false
	for (cur-pc)/4 < maxBlockLen {
		op, err := c.ram.Read32(cur)
		if err != nil {
			break
		}
		next, done, ok := c.emit(a, cur, op)
		if !ok {
			break
		}
		cur = next
		if done {
			terminated = true
			break
		}
	}

	if cur == pc {
		// nothing translated, rewind the prologue
		a.Rewind(start)
		return nil
	}
	if !terminated {
		// open block: untranslatable instruction ahead, hand the PC back
		// to the dispatcher and let the interpreter take over from there
		a.MovMem32Imm32(RDI, OffPC, cur)
		c.jmpAbs(a, c.tramp.DispatcherNoCheck)
	}
	blk.EndPC = cur
	blk.Len = int(cur-pc) / 4
	a.PatchInt32(chargeAt, int32(blk.Len))
	blk.Size = a.Offset() - start
	return blk
}

// emit translates one instruction. done marks a block terminator (the PC
// store and the jump out are already emitted); next is the first guest
// address after everything consumed, delay slot included. ok is false when
// the instruction is outside the subset, with nothing emitted.
func (c *Compiler) emit(a *Assembler, pc, op uint32) (next uint32, done, ok bool) {
	switch mips.Opcode(op) {
	case 0x02: // j
		return c.branch(a, pc, op, mips.JumpTarget(pc, op), condNone, -1)
	case 0x03: // jal
		return c.branch(a, pc, op, mips.JumpTarget(pc, op), condNone, mips.RegRA)
	case 0x04: // beq
		return c.branch(a, pc, op, mips.BranchTarget(pc, op), condEq, -1)
	case 0x05: // bne
		return c.branch(a, pc, op, mips.BranchTarget(pc, op), condNe, -1)
	case 0x00:
		switch mips.Funct(op) {
		case 0x08: // jr
			return c.branchReg(a, pc, mips.Rs(op), -1)
		case 0x09: // jalr
			return c.branchReg(a, pc, mips.Rs(op), mips.Rd(op))
		case 0x0C: // syscall
			a.MovMem32Imm32(RDI, OffPC, pc+4)
			a.MovRegImm32(RDX, op)
			c.jmpAbs(a, c.tramp.SyscallExit)
			return pc + 4, true, true
		case 0x0D: // break
			a.MovMem32Imm32(RDI, OffPC, pc)
			c.jmpAbs(a, c.tramp.BreakpointBailout)
			return pc + 4, true, true
		}
	}
	if c.emitStraight(a, pc, op) {
		return pc + 4, false, true
	}
	return pc, false, false
}

type branchCond int

const (
	condNone branchCond = iota
	condEq
	condNe
)

// branch translates j/jal/beq/bne together with the delay slot. The slot
// runs on both arms, as on hardware. Conditions are materialized to a byte
// and spilled across the slot because slot code clobbers the flags.
func (c *Compiler) branch(a *Assembler, pc, op, target uint32, cond branchCond, link int) (uint32, bool, bool) {
	save := a.Offset()
	slot, err := c.ram.Read32(pc + 4)
	if err != nil || isControlFlow(slot) || mips.IsSyscall(slot) {
		return pc, false, false
	}
	// a faulting load or store in the slot would unwind past the spilled
	// condition; leave those pairs to the interpreter
	if cond != condNone && isMemAccess(slot) {
		return pc, false, false
	}

	if link >= 0 {
		a.MovMem32Imm32(RDI, OffReg(link), pc+8)
	}
	if cond != condNone {
		loadReg(a, RAX, mips.Rs(op))
		loadReg(a, RCX, mips.Rt(op))
		a.XorRegReg32(RDX, RDX)
		a.CmpRegReg32(RAX, RCX)
		if cond == condEq {
			a.Sete(RDX)
		} else {
			a.Setne(RDX)
		}
		a.Push(RDX)
	}
	if !c.emitStraight(a, pc+4, slot) {
		a.Rewind(save)
		return pc, false, false
	}
	switch cond {
	case condNone:
		a.MovMem32Imm32(RDI, OffPC, target)
	default:
		a.Pop(RDX)
		a.TestRegReg32(RDX, RDX)
		patch := a.Offset() + 2 // rel32 field of the je below
		a.JeNear(0)
		a.MovMem32Imm32(RDI, OffPC, target)
		c.jmpAbs(a, c.tramp.DispatcherNoCheck)
		a.PatchInt32(patch, int32(a.Offset()-(patch+4)))
		a.MovMem32Imm32(RDI, OffPC, pc+8)
	}
	c.jmpAbs(a, c.tramp.DispatcherNoCheck)
	return pc + 8, true, true
}

// branchReg translates jr/jalr. A syscall in the delay slot is the import
// stub pattern: the target goes to PC first, then the trap unwinds, exactly
// like the interpreter's ordering.
func (c *Compiler) branchReg(a *Assembler, pc uint32, rs, link int) (uint32, bool, bool) {
	save := a.Offset()
	slot, err := c.ram.Read32(pc + 4)
	if err != nil || isControlFlow(slot) {
		return pc, false, false
	}

	loadReg(a, RAX, rs)
	a.MovMem32Reg(RDI, OffPC, RAX)
	if link >= 0 {
		a.MovMem32Imm32(RDI, OffReg(link), pc+8)
	}
	if mips.IsSyscall(slot) {
		a.MovRegImm32(RDX, slot)
		c.jmpAbs(a, c.tramp.SyscallExit)
		return pc + 8, true, true
	}
	if !c.emitStraight(a, pc+4, slot) {
		a.Rewind(save)
		return pc, false, false
	}
	c.jmpAbs(a, c.tramp.DispatcherNoCheck)
	return pc + 8, true, true
}

// emitStraight handles the straight-line subset. Returns false for anything
// it does not translate, with nothing emitted.
func (c *Compiler) emitStraight(a *Assembler, pc, op uint32) bool {
	rs, rt, rd := mips.Rs(op), mips.Rt(op), mips.Rd(op)
	simm := mips.SImm16(op)

	switch mips.Opcode(op) {
	case 0x00:
		switch mips.Funct(op) {
		case 0x00: // sll, including the canonical nop
			if op == mips.Nop {
				return true
			}
			loadReg(a, RAX, rt)
			a.Shl32RegImm8(RAX, byte(mips.Shamt(op)))
			storeReg(a, rd, RAX)
		case 0x02: // srl
			loadReg(a, RAX, rt)
			a.Shr32RegImm8(RAX, byte(mips.Shamt(op)))
			storeReg(a, rd, RAX)
		case 0x03: // sra
			loadReg(a, RAX, rt)
			a.Sar32RegImm8(RAX, byte(mips.Shamt(op)))
			storeReg(a, rd, RAX)
		case 0x21: // addu
			c.alu(a, rs, rt, rd, a.AddRegReg32)
		case 0x23: // subu
			c.alu(a, rs, rt, rd, a.SubRegReg32)
		case 0x24: // and
			c.alu(a, rs, rt, rd, a.AndRegReg32)
		case 0x25: // or
			c.alu(a, rs, rt, rd, a.OrRegReg32)
		case 0x26: // xor
			c.alu(a, rs, rt, rd, a.XorRegReg32)
		case 0x27: // nor
			loadReg(a, RAX, rs)
			loadReg(a, RCX, rt)
			a.OrRegReg32(RAX, RCX)
			a.NotReg32(RAX)
			storeReg(a, rd, RAX)
		case 0x2A: // slt
			c.setCmp(a, rs, rt, rd, a.Setl)
		case 0x2B: // sltu
			c.setCmp(a, rs, rt, rd, a.Setb)
		default:
			return false
		}
	case 0x08, 0x09: // addi, addiu; the overflow trap is not emulated
		loadReg(a, RAX, rs)
		a.AddRegImm32of32(RAX, simm)
		storeReg(a, rt, RAX)
	case 0x0A: // slti
		c.setCmpImm(a, rs, rt, simm, a.Setl)
	case 0x0B: // sltiu
		c.setCmpImm(a, rs, rt, simm, a.Setb)
	case 0x0C: // andi
		loadReg(a, RAX, rs)
		a.AndRegImm32of32(RAX, int32(uint32(mips.Imm16(op))))
		storeReg(a, rt, RAX)
	case 0x0D: // ori
		loadReg(a, RAX, rs)
		a.OrRegImm32of32(RAX, int32(uint32(mips.Imm16(op))))
		storeReg(a, rt, RAX)
	case 0x0E: // xori
		loadReg(a, RAX, rs)
		a.XorRegImm32of32(RAX, int32(uint32(mips.Imm16(op))))
		storeReg(a, rt, RAX)
	case 0x0F: // lui
		a.MovRegImm32(RAX, uint32(mips.Imm16(op))<<16)
		storeReg(a, rt, RAX)
	case 0x23: // lw
		c.guestAddr(a, pc, rs, simm)
		a.MovRegMemIdx32(RAX, RSI, RAX)
		storeReg(a, rt, RAX)
	case 0x2B: // sw
		c.guestAddr(a, pc, rs, simm)
		loadReg(a, RCX, rt)
		a.MovMemIdxReg32(RSI, RAX, RCX)
	default:
		return false
	}
	return true
}

func (c *Compiler) alu(a *Assembler, rs, rt, rd int, op func(Reg, Reg)) {
	loadReg(a, RAX, rs)
	loadReg(a, RCX, rt)
	op(RAX, RCX)
	storeReg(a, rd, RAX)
}

func (c *Compiler) setCmp(a *Assembler, rs, rt, rd int, set func(Reg)) {
	loadReg(a, RAX, rs)
	loadReg(a, RCX, rt)
	a.XorRegReg32(RDX, RDX)
	a.CmpRegReg32(RAX, RCX)
	set(RDX)
	storeReg(a, rd, RDX)
}

func (c *Compiler) setCmpImm(a *Assembler, rs, rt int, imm int32, set func(Reg)) {
	loadReg(a, RAX, rs)
	a.XorRegReg32(RDX, RDX)
	a.CmpRegImm32of32(RAX, imm)
	set(RDX)
	storeReg(a, rt, RDX)
}

// guestAddr leaves the effective guest address in EAX, bounds-checked
// against the RAM window. Out-of-window accesses store the PC and unwind
// through the memory-fault exit with the address in EDX.
func (c *Compiler) guestAddr(a *Assembler, pc uint32, rs int, simm int32) {
	loadReg(a, RAX, rs)
	a.AddRegImm32of32(RAX, simm)
	a.MovRegReg32(RCX, RAX)
	a.AddRegImm32of32(RCX, -int32(c.ram.Base()))
	a.CmpRegImm32of32(RCX, int32(c.ram.Size()-3))
	patch := a.Offset() + 2 // rel32 field of the jb below
	a.JbNear(0)
	a.MovRegReg32(RDX, RAX)
	a.MovMem32Imm32(RDI, OffPC, pc)
	c.jmpAbs(a, c.tramp.MemFaultExit)
	a.PatchInt32(patch, int32(a.Offset()-(patch+4)))
}

func isMemAccess(op uint32) bool {
	switch mips.Opcode(op) {
	case 0x20, 0x21, 0x23, 0x24, 0x25, 0x28, 0x29, 0x2B:
		return true
	}
	return false
}

func isControlFlow(op uint32) bool {
	switch mips.Opcode(op) {
	case 0x02, 0x03, 0x04, 0x05:
		return true
	case 0x00:
		f := mips.Funct(op)
		return f == 0x08 || f == 0x09 || f == 0x0D
	}
	return false
}
