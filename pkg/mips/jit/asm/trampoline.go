//go:build amd64

// Package asm holds the assembly bridge into the generated code region. It
// is a separate package so the jit package itself stays pure Go.
package asm

// EnterCode jumps into the generated trampoline block at entry with the CPU
// state pointer in RDI. It returns when generated code unwinds through the
// epilogue: exit is the ExitReason left in RAX, arg the value left in RDX.
func EnterCode(entry, state uintptr) (exit, arg uint64)
