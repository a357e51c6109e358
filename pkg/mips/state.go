package mips

// Register indices by MIPS o32 convention.
const (
	RegZero = 0
	RegAT   = 1
	RegV0   = 2
	RegV1   = 3
	RegA0   = 4
	RegA1   = 5
	RegA2   = 6
	RegA3   = 7
	RegT0   = 8
	RegT1   = 9
	RegT2   = 10
	RegT3   = 11
	RegSP   = 29
	RegFP   = 30
	RegRA   = 31
)

// Run states polled by the checked dispatcher. The generated code compares
// the raw word against RunStateRunning, so the values are load-bearing.
const (
	RunStateRunning  uint32 = 0
	RunStateStepping uint32 = 1
	RunStateHalted   uint32 = 2
)

// FCR31 cause bits (12..17). The FP exception trampoline reports these and
// the service loop clears them before resuming.
const FPCauseMask uint32 = 0x0003F000

// State is the emulated CPU context. The leading fields form a fixed-layout
// prefix read and written by generated code via byte offsets; see the offset
// constants in the jit package. Reordering or resizing anything before
// CodeStart breaks the generated trampolines.
//
// Layout of the prefix:
//
//	0    GPR[0..31]      32 x uint32
//	128  Hi              uint32
//	132  Lo              uint32
//	136  PC              uint32
//	140  FCR31           uint32
//	144  RunState        uint32
//	148  Downcount       int32, remaining instruction budget for the slice
//	152  BlockTable      uintptr, base of the block translation table
//	160  BlockTableLen   uint32, entries
//	164  CodeStart       uint32, guest address of table slot 0
type State struct {
	GPR      [32]uint32
	Hi       uint32
	Lo       uint32
	PC       uint32
	FCR31    uint32
	RunState uint32

	Downcount int32

	BlockTable    uintptr
	BlockTableLen uint32
	CodeStart     uint32
}

// Reset clears registers and returns the CPU to the running state with the
// given entry point. The block-table binding survives, it belongs to the
// JIT backend.
func (s *State) Reset(entry uint32) {
	for i := range s.GPR {
		s.GPR[i] = 0
	}
	s.Hi = 0
	s.Lo = 0
	s.PC = entry
	s.FCR31 = 0
	s.RunState = RunStateRunning
}
