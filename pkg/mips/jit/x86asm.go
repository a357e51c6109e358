package jit

import (
	"encoding/binary"
)

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Assembler emits x86-64 machine code into a caller-provided buffer. It
// never grows the buffer; running past the end is a bug in the generator's
// size estimate and panics via the slice bounds check.
type Assembler struct {
	buf    []byte
	offset int
}

// NewAssembler creates an assembler targeting the given buffer.
func NewAssembler(buf []byte) *Assembler {
	return &Assembler{buf: buf, offset: 0}
}

// Offset returns the current write position.
func (a *Assembler) Offset() int {
	return a.offset
}

// Bytes returns the assembled code.
func (a *Assembler) Bytes() []byte {
	return a.buf[:a.offset]
}

// Room reports how many bytes remain in the buffer.
func (a *Assembler) Room() int {
	return len(a.buf) - a.offset
}

// Rewind abandons everything emitted past offset, used to back out of a
// partially translated instruction.
func (a *Assembler) Rewind(offset int) {
	a.offset = offset
}

func (a *Assembler) emit(bytes ...byte) {
	copy(a.buf[a.offset:a.offset+len(bytes)], bytes)
	a.offset += len(bytes)
}

func (a *Assembler) emitUint64(v uint64) {
	binary.LittleEndian.PutUint64(a.buf[a.offset:], v)
	a.offset += 8
}

func (a *Assembler) emitInt32(v int32) {
	binary.LittleEndian.PutUint32(a.buf[a.offset:], uint32(v))
	a.offset += 4
}

// PatchInt32 overwrites a previously emitted 32-bit field, used to resolve
// forward jump displacements and the block-prologue downcount immediate.
func (a *Assembler) PatchInt32(offset int, v int32) {
	binary.LittleEndian.PutUint32(a.buf[offset:], uint32(v))
}

// rex builds a REX prefix: 0100WRXB.
// W=1 for 64-bit operand size, R/X/B extend the reg/index/rm fields.
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexW returns the REX.W prefix for 64-bit operations.
func rexW(reg, rm Reg) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// modRM builds a ModR/M byte: [mod:2][reg:3][rm:3].
// mod is pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register.
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// emitMemOperand emits ModR/M plus displacement for a [base + disp] operand,
// handling the RSP/R12 SIB quirk and the RBP/R13 zero-displacement quirk.
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	if base == RSP || base == R12 {
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	} else if base == RBP || base == R13 {
		if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	} else if disp == 0 {
		a.emit(modRM(0x00, reg, base))
	} else if disp >= -128 && disp <= 127 {
		a.emit(modRM(0x40, reg, base), byte(disp))
	} else {
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// optional REX for 32-bit register-register forms
func (a *Assembler) rex32(reg, rm Reg) {
	if reg >= 8 || rm >= 8 {
		a.emit(rex(false, reg >= 8, false, rm >= 8))
	}
}

//
// Moves
//

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x89, modRM(0xC0, src, dst))
}

// MovRegReg32: mov dst32, src32 (zero-extends to 64-bit)
func (a *Assembler) MovRegReg32(dst, src Reg) {
	a.rex32(src, dst)
	a.emit(0x89, modRM(0xC0, src, dst))
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// MovRegImm32: mov reg32, imm32 (zero-extends to 64-bit)
func (a *Assembler) MovRegImm32(reg Reg, imm uint32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xB8 | byte(reg&7))
	a.emitInt32(int32(imm))
}

// MovRegMem64: mov reg, [base + disp] (64-bit load)
func (a *Assembler) MovRegMem64(reg, base Reg, disp int32) {
	a.emit(rexW(reg, base), 0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMemReg64: mov [base + disp], reg (64-bit store)
func (a *Assembler) MovMemReg64(base Reg, disp int32, reg Reg) {
	a.emit(rexW(reg, base), 0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem32: mov reg32, [base + disp] (zero-extends to 64-bit)
func (a *Assembler) MovRegMem32(reg, base Reg, disp int32) {
	a.rex32(reg, base)
	a.emit(0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovMem32Reg: mov dword [base + disp], reg32
func (a *Assembler) MovMem32Reg(base Reg, disp int32, reg Reg) {
	a.rex32(reg, base)
	a.emit(0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMem32Imm32: mov dword [base + disp], imm32
func (a *Assembler) MovMem32Imm32(base Reg, disp int32, imm uint32) {
	if base >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xC7)
	a.emitMemOperand(0, base, disp)
	a.emitInt32(int32(imm))
}

// MovRegMemScaled: mov reg, [base + index*scale] (64-bit load).
// scale must be 1, 2, 4 or 8.
func (a *Assembler) MovRegMemScaled(reg, base, index Reg, scale byte) {
	a.emit(rex(true, reg >= 8, index >= 8, base >= 8), 0x8B, modRM(0x00, reg, RSP))
	a.emit(sibByte(scale, index, base))
}

// MovRegMemIdx32: mov reg32, [base + index] (zero-extending guest load)
func (a *Assembler) MovRegMemIdx32(reg, base, index Reg) {
	if reg >= 8 || index >= 8 || base >= 8 {
		a.emit(rex(false, reg >= 8, index >= 8, base >= 8))
	}
	a.emit(0x8B, modRM(0x00, reg, RSP), sibByte(1, index, base))
}

// MovMemIdxReg32: mov dword [base + index], reg32 (guest store)
func (a *Assembler) MovMemIdxReg32(base, index, reg Reg) {
	if reg >= 8 || index >= 8 || base >= 8 {
		a.emit(rex(false, reg >= 8, index >= 8, base >= 8))
	}
	a.emit(0x89, modRM(0x00, reg, RSP), sibByte(1, index, base))
}

func sibByte(scale byte, index, base Reg) byte {
	var ss byte
	switch scale {
	case 1:
		ss = 0
	case 2:
		ss = 1
	case 4:
		ss = 2
	case 8:
		ss = 3
	default:
		panic("jit: bad SIB scale")
	}
	return ss<<6 | (byte(index)&7)<<3 | byte(base)&7
}

// MovzxRegReg8: movzx dst, src8 (zero-extend byte to 64-bit)
func (a *Assembler) MovzxRegReg8(dst, src Reg) {
	a.emit(rexW(dst, src), 0x0F, 0xB6, modRM(0xC0, dst, src))
}

//
// Arithmetic and logic, 64-bit forms for host pointers
//

// AddRegReg: add dst, src (64-bit)
func (a *Assembler) AddRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x01, modRM(0xC0, src, dst))
}

// AddRegImm32: add reg, imm32 (64-bit, sign-extended)
func (a *Assembler) AddRegImm32(reg Reg, imm int32) {
	if imm >= -128 && imm <= 127 {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 0, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 0, reg))
		a.emitInt32(imm)
	}
}

// SubRegReg: sub dst, src (64-bit)
func (a *Assembler) SubRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x29, modRM(0xC0, src, dst))
}

//
// Arithmetic and logic, 32-bit forms for guest words
//

// AddRegReg32: add dst32, src32
func (a *Assembler) AddRegReg32(dst, src Reg) {
	a.rex32(src, dst)
	a.emit(0x01, modRM(0xC0, src, dst))
}

// SubRegReg32: sub dst32, src32
func (a *Assembler) SubRegReg32(dst, src Reg) {
	a.rex32(src, dst)
	a.emit(0x29, modRM(0xC0, src, dst))
}

// AndRegReg32: and dst32, src32
func (a *Assembler) AndRegReg32(dst, src Reg) {
	a.rex32(src, dst)
	a.emit(0x21, modRM(0xC0, src, dst))
}

// OrRegReg32: or dst32, src32
func (a *Assembler) OrRegReg32(dst, src Reg) {
	a.rex32(src, dst)
	a.emit(0x09, modRM(0xC0, src, dst))
}

// XorRegReg32: xor dst32, src32
func (a *Assembler) XorRegReg32(dst, src Reg) {
	a.rex32(src, dst)
	a.emit(0x31, modRM(0xC0, src, dst))
}

// NotReg32: not reg32
func (a *Assembler) NotReg32(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xF7, modRM(0xC0, 2, reg))
}

// arithImm32 emits the 81/83 group op on a 32-bit register.
func (a *Assembler) arithImm32(group byte, reg Reg, imm int32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	if imm >= -128 && imm <= 127 {
		a.emit(0x83, modRM(0xC0, Reg(group), reg), byte(imm))
	} else {
		a.emit(0x81, modRM(0xC0, Reg(group), reg))
		a.emitInt32(imm)
	}
}

// AddRegImm32of32: add reg32, imm32
func (a *Assembler) AddRegImm32of32(reg Reg, imm int32) { a.arithImm32(0, reg, imm) }

// AndRegImm32of32: and reg32, imm32
func (a *Assembler) AndRegImm32of32(reg Reg, imm int32) { a.arithImm32(4, reg, imm) }

// OrRegImm32of32: or reg32, imm32
func (a *Assembler) OrRegImm32of32(reg Reg, imm int32) { a.arithImm32(1, reg, imm) }

// XorRegImm32of32: xor reg32, imm32
func (a *Assembler) XorRegImm32of32(reg Reg, imm int32) { a.arithImm32(6, reg, imm) }

// CmpRegImm32of32: cmp reg32, imm32
func (a *Assembler) CmpRegImm32of32(reg Reg, imm int32) { a.arithImm32(7, reg, imm) }

// SubMem32Imm32: sub dword [base + disp], imm32
func (a *Assembler) SubMem32Imm32(base Reg, disp int32, imm int32) {
	if base >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x81)
	a.emitMemOperand(5, base, disp)
	a.emitInt32(imm)
}

//
// Shifts, 32-bit
//

// Shl32RegImm8: shl reg32, imm8
func (a *Assembler) Shl32RegImm8(reg Reg, imm byte) {
	a.shift32(4, reg, imm)
}

// Shr32RegImm8: shr reg32, imm8 (logical)
func (a *Assembler) Shr32RegImm8(reg Reg, imm byte) {
	a.shift32(5, reg, imm)
}

// Sar32RegImm8: sar reg32, imm8 (arithmetic)
func (a *Assembler) Sar32RegImm8(reg Reg, imm byte) {
	a.shift32(7, reg, imm)
}

// Shl32RegCL: shl reg32, cl
func (a *Assembler) Shl32RegCL(reg Reg) { a.shiftCL32(4, reg) }

// Shr32RegCL: shr reg32, cl
func (a *Assembler) Shr32RegCL(reg Reg) { a.shiftCL32(5, reg) }

// Sar32RegCL: sar reg32, cl
func (a *Assembler) Sar32RegCL(reg Reg) { a.shiftCL32(7, reg) }

func (a *Assembler) shift32(group byte, reg Reg, imm byte) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	if imm == 1 {
		a.emit(0xD1, modRM(0xC0, Reg(group), reg))
	} else {
		a.emit(0xC1, modRM(0xC0, Reg(group), reg), imm)
	}
}

func (a *Assembler) shiftCL32(group byte, reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xD3, modRM(0xC0, Reg(group), reg))
}

//
// Compare, test, setcc
//

// CmpRegReg32: cmp left32, right32
func (a *Assembler) CmpRegReg32(left, right Reg) {
	a.rex32(right, left)
	a.emit(0x39, modRM(0xC0, right, left))
}

// TestRegReg: test left, right (64-bit)
func (a *Assembler) TestRegReg(left, right Reg) {
	a.emit(rexW(right, left), 0x85, modRM(0xC0, right, left))
}

// TestRegReg32: test left32, right32
func (a *Assembler) TestRegReg32(left, right Reg) {
	a.rex32(right, left)
	a.emit(0x85, modRM(0xC0, right, left))
}

// TestRegImm32: test reg32, imm32
func (a *Assembler) TestRegImm32(reg Reg, imm uint32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xF7, modRM(0xC0, 0, reg))
	a.emitInt32(int32(imm))
}

// setcc emits 0F 9x /0. A REX prefix is required for SPL/BPL/SIL/DIL and
// the extended registers.
func (a *Assembler) setcc(op byte, reg Reg) {
	if reg >= RSP {
		a.emit(rex(false, false, false, reg >= 8))
	}
	a.emit(0x0F, op, modRM(0xC0, 0, reg))
}

// Sete: set byte if equal
func (a *Assembler) Sete(reg Reg) { a.setcc(0x94, reg) }

// Setne: set byte if not equal
func (a *Assembler) Setne(reg Reg) { a.setcc(0x95, reg) }

// Setb: set byte if below (unsigned)
func (a *Assembler) Setb(reg Reg) { a.setcc(0x92, reg) }

// Setl: set byte if less (signed)
func (a *Assembler) Setl(reg Reg) { a.setcc(0x9C, reg) }

//
// Jumps and flow control, near (rel32) forms only; short forms are not
// worth the patching complexity in fixed routine generation.
//

func (a *Assembler) jccNear(op byte, rel32 int32) {
	a.emit(0x0F, op)
	a.emitInt32(rel32)
}

// JeNear: jump if equal
func (a *Assembler) JeNear(rel32 int32) { a.jccNear(0x84, rel32) }

// JneNear: jump if not equal
func (a *Assembler) JneNear(rel32 int32) { a.jccNear(0x85, rel32) }

// JbNear: jump if below (unsigned)
func (a *Assembler) JbNear(rel32 int32) { a.jccNear(0x82, rel32) }

// JaeNear: jump if above or equal (unsigned)
func (a *Assembler) JaeNear(rel32 int32) { a.jccNear(0x83, rel32) }

// JaNear: jump if above (unsigned)
func (a *Assembler) JaNear(rel32 int32) { a.jccNear(0x87, rel32) }

// JbeNear: jump if below or equal (unsigned)
func (a *Assembler) JbeNear(rel32 int32) { a.jccNear(0x86, rel32) }

// JsNear: jump if sign set (negative)
func (a *Assembler) JsNear(rel32 int32) { a.jccNear(0x88, rel32) }

// JmpRel32: jmp rel32
func (a *Assembler) JmpRel32(rel32 int32) {
	a.emit(0xE9)
	a.emitInt32(rel32)
}

// JmpReg: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 4, reg))
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Push: push reg
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 | byte(reg&7))
}

// Pop: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 | byte(reg&7))
}

// Nop: nop
func (a *Assembler) Nop() {
	a.emit(0x90)
}

// Int3: int3 breakpoint, used to pad unreached generator space
func (a *Assembler) Int3() {
	a.emit(0xCC)
}
