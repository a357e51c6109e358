package mips

import (
	"allegrex/pkg/guestfault"
	"allegrex/pkg/mem"
)

// Interp executes instructions one at a time. It is the portable backend and
// the fallback the JIT service loop uses for blocks it cannot translate.
type Interp struct {
	State *State
	Mem   *mem.RAM

	// OnSyscall receives the raw syscall word after PC has been moved to the
	// instruction the guest will resume at.
	OnSyscall func(op uint32)
	// OnBreak receives the address of a break instruction. PC is left on the
	// break itself.
	OnBreak func(pc uint32)
}

// Step executes one instruction, or a branch together with its delay slot.
func (it *Interp) Step() error {
	s := it.State
	pc := s.PC
	op, err := it.Mem.Read32(pc)
	if err != nil {
		return guestfault.Wrap(err, "instruction fetch")
	}

	switch Opcode(op) {
	case 0x02: // j
		return it.branchTo(pc, JumpTarget(pc, op))
	case 0x03: // jal
		s.GPR[RegRA] = pc + 8
		return it.branchTo(pc, JumpTarget(pc, op))
	case 0x04: // beq
		if s.GPR[Rs(op)] == s.GPR[Rt(op)] {
			return it.branchTo(pc, BranchTarget(pc, op))
		}
		return it.branchTo(pc, pc+8)
	case 0x05: // bne
		if s.GPR[Rs(op)] != s.GPR[Rt(op)] {
			return it.branchTo(pc, BranchTarget(pc, op))
		}
		return it.branchTo(pc, pc+8)
	case 0x00:
		switch Funct(op) {
		case 0x08: // jr
			return it.branchTo(pc, s.GPR[Rs(op)])
		case 0x09: // jalr
			target := s.GPR[Rs(op)]
			it.writeReg(Rd(op), pc+8)
			return it.branchTo(pc, target)
		case 0x0C: // syscall
			s.PC = pc + 4
			if it.OnSyscall != nil {
				it.OnSyscall(op)
			}
			return nil
		case 0x0D: // break
			if it.OnBreak != nil {
				it.OnBreak(pc)
			}
			return nil
		}
	}

	if err := it.exec(op); err != nil {
		return err
	}
	s.PC = pc + 4
	return nil
}

// branchTo runs the delay slot at pc+4 and then redirects to target. The
// import-stub pattern puts a syscall in the slot of a jr; in that case the
// dispatch callback must observe the already-updated PC, matching what the
// translated version of the same pair does.
func (it *Interp) branchTo(pc, target uint32) error {
	s := it.State
	slot, err := it.Mem.Read32(pc + 4)
	if err != nil {
		return guestfault.Wrap(err, "delay slot fetch")
	}
	if IsSyscall(slot) {
		s.PC = target
		if it.OnSyscall != nil {
			it.OnSyscall(slot)
		}
		return nil
	}
	if isControlFlow(slot) {
		return guestfault.Faultf("branch in delay slot at 0x%08x", pc+4)
	}
	if err := it.exec(slot); err != nil {
		return err
	}
	s.PC = target
	return nil
}

func isControlFlow(op uint32) bool {
	switch Opcode(op) {
	case 0x02, 0x03, 0x04, 0x05:
		return true
	case 0x00:
		f := Funct(op)
		return f == 0x08 || f == 0x09 || f == 0x0D
	}
	return false
}

func (it *Interp) writeReg(r int, v uint32) {
	if r != RegZero {
		it.State.GPR[r] = v
	}
}

// exec handles straight-line instructions.
func (it *Interp) exec(op uint32) error {
	s := it.State
	rs, rt, rd := Rs(op), Rt(op), Rd(op)

	switch Opcode(op) {
	case 0x00:
		switch Funct(op) {
		case 0x00: // sll, including the canonical nop
			it.writeReg(rd, s.GPR[rt]<<Shamt(op))
		case 0x02: // srl
			it.writeReg(rd, s.GPR[rt]>>Shamt(op))
		case 0x03: // sra
			it.writeReg(rd, uint32(int32(s.GPR[rt])>>Shamt(op)))
		case 0x21: // addu
			it.writeReg(rd, s.GPR[rs]+s.GPR[rt])
		case 0x23: // subu
			it.writeReg(rd, s.GPR[rs]-s.GPR[rt])
		case 0x24: // and
			it.writeReg(rd, s.GPR[rs]&s.GPR[rt])
		case 0x25: // or
			it.writeReg(rd, s.GPR[rs]|s.GPR[rt])
		case 0x26: // xor
			it.writeReg(rd, s.GPR[rs]^s.GPR[rt])
		case 0x27: // nor
			it.writeReg(rd, ^(s.GPR[rs] | s.GPR[rt]))
		case 0x2A: // slt
			if int32(s.GPR[rs]) < int32(s.GPR[rt]) {
				it.writeReg(rd, 1)
			} else {
				it.writeReg(rd, 0)
			}
		case 0x2B: // sltu
			if s.GPR[rs] < s.GPR[rt] {
				it.writeReg(rd, 1)
			} else {
				it.writeReg(rd, 0)
			}
		default:
			return guestfault.Faultf("undecodable instruction 0x%08x at 0x%08x", op, s.PC)
		}
	case 0x08, 0x09: // addi, addiu; the overflow trap is not emulated
		it.writeReg(rt, s.GPR[rs]+uint32(SImm16(op)))
	case 0x0A: // slti
		if int32(s.GPR[rs]) < SImm16(op) {
			it.writeReg(rt, 1)
		} else {
			it.writeReg(rt, 0)
		}
	case 0x0B: // sltiu
		if s.GPR[rs] < uint32(SImm16(op)) {
			it.writeReg(rt, 1)
		} else {
			it.writeReg(rt, 0)
		}
	case 0x0C: // andi
		it.writeReg(rt, s.GPR[rs]&uint32(Imm16(op)))
	case 0x0D: // ori
		it.writeReg(rt, s.GPR[rs]|uint32(Imm16(op)))
	case 0x0E: // xori
		it.writeReg(rt, s.GPR[rs]^uint32(Imm16(op)))
	case 0x0F: // lui
		it.writeReg(rt, uint32(Imm16(op))<<16)
	case 0x20: // lb
		v, err := it.Mem.Read8(s.GPR[rs] + uint32(SImm16(op)))
		if err != nil {
			return guestfault.Wrap(err, "lb")
		}
		it.writeReg(rt, uint32(int32(int8(v))))
	case 0x21: // lh
		v, err := it.Mem.Read16(s.GPR[rs] + uint32(SImm16(op)))
		if err != nil {
			return guestfault.Wrap(err, "lh")
		}
		it.writeReg(rt, uint32(int32(int16(v))))
	case 0x23: // lw
		v, err := it.Mem.Read32(s.GPR[rs] + uint32(SImm16(op)))
		if err != nil {
			return guestfault.Wrap(err, "lw")
		}
		it.writeReg(rt, v)
	case 0x24: // lbu
		v, err := it.Mem.Read8(s.GPR[rs] + uint32(SImm16(op)))
		if err != nil {
			return guestfault.Wrap(err, "lbu")
		}
		it.writeReg(rt, uint32(v))
	case 0x25: // lhu
		v, err := it.Mem.Read16(s.GPR[rs] + uint32(SImm16(op)))
		if err != nil {
			return guestfault.Wrap(err, "lhu")
		}
		it.writeReg(rt, uint32(v))
	case 0x28: // sb
		if err := it.Mem.Write8(s.GPR[rs]+uint32(SImm16(op)), uint8(s.GPR[rt])); err != nil {
			return guestfault.Wrap(err, "sb")
		}
	case 0x29: // sh
		if err := it.Mem.Write16(s.GPR[rs]+uint32(SImm16(op)), uint16(s.GPR[rt])); err != nil {
			return guestfault.Wrap(err, "sh")
		}
	case 0x2B: // sw
		if err := it.Mem.Write32(s.GPR[rs]+uint32(SImm16(op)), s.GPR[rt]); err != nil {
			return guestfault.Wrap(err, "sw")
		}
	default:
		return guestfault.Faultf("undecodable instruction 0x%08x at 0x%08x", op, s.PC)
	}
	return nil
}
