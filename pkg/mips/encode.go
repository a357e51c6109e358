package mips

// Fixed instruction words.
const (
	Nop     uint32 = 0x00000000
	JRRA    uint32 = 0x03E00008 // jr $ra
	Break   uint32 = 0x0000000D
	Syscall uint32 = 0x0000000C // syscall with a zero code field
)

// J encodes an unconditional jump to target (within the current 256 MiB
// segment, as on hardware).
func J(target uint32) uint32 {
	return 0x08000000 | ((target >> 2) & 0x03FFFFFF)
}

// JAL encodes jump-and-link to target.
func JAL(target uint32) uint32 {
	return 0x0C000000 | ((target >> 2) & 0x03FFFFFF)
}

// JR encodes jr rs.
func JR(rs int) uint32 {
	return 0x00000008 | uint32(rs)<<21
}

func LUI(rt int, imm uint16) uint32 {
	return 0x3C000000 | uint32(rt)<<16 | uint32(imm)
}

func ORI(rt, rs int, imm uint16) uint32 {
	return 0x34000000 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(imm)
}

func ANDI(rt, rs int, imm uint16) uint32 {
	return 0x30000000 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(imm)
}

func ADDIU(rt, rs int, imm int16) uint32 {
	return 0x24000000 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(uint16(imm))
}

func ADDU(rd, rs, rt int) uint32 {
	return 0x00000021 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(rd)<<11
}

func SUBU(rd, rs, rt int) uint32 {
	return 0x00000023 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(rd)<<11
}

func LW(rt, base int, off int16) uint32 {
	return 0x8C000000 | uint32(base)<<21 | uint32(rt)<<16 | uint32(uint16(off))
}

func SW(rt, base int, off int16) uint32 {
	return 0xAC000000 | uint32(base)<<21 | uint32(rt)<<16 | uint32(uint16(off))
}

// BEQ encodes a branch with the word offset counted from the delay slot.
func BEQ(rs, rt int, off int16) uint32 {
	return 0x10000000 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(uint16(off))
}

func BNE(rs, rt int, off int16) uint32 {
	return 0x14000000 | uint32(rs)<<21 | uint32(rt)<<16 | uint32(uint16(off))
}

//
// Field extraction
//

func Opcode(w uint32) uint32 { return w >> 26 }
func Rs(w uint32) int        { return int(w >> 21 & 0x1F) }
func Rt(w uint32) int        { return int(w >> 16 & 0x1F) }
func Rd(w uint32) int        { return int(w >> 11 & 0x1F) }
func Shamt(w uint32) uint32  { return w >> 6 & 0x1F }
func Funct(w uint32) uint32  { return w & 0x3F }
func Imm16(w uint32) uint16  { return uint16(w) }
func SImm16(w uint32) int32  { return int32(int16(w)) }

// JumpTarget resolves a J/JAL word against the address of the jump itself.
func JumpTarget(pc, w uint32) uint32 {
	return (pc & 0xF0000000) | (w&0x03FFFFFF)<<2
}

// BranchTarget resolves a branch word against the address of the branch.
func BranchTarget(pc, w uint32) uint32 {
	return pc + 4 + uint32(SImm16(w))<<2
}

// IsSyscall reports whether w is a syscall instruction, whatever its code
// field holds.
func IsSyscall(w uint32) bool {
	return Opcode(w) == 0 && Funct(w) == 0x0C
}
