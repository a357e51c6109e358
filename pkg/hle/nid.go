package hle

import (
	"crypto/sha1"
	"encoding/binary"
)

// NIDFromName derives a function ID the way the console's SDK did: the
// first four bytes of SHA-1 over the canonical name, read little-endian.
func NIDFromName(name string) uint32 {
	sum := sha1.Sum([]byte(name))
	return binary.LittleEndian.Uint32(sum[:4])
}

// IDs on the debug-break exclusion list.
const (
	NIDSuspendInterrupts uint32 = 0x092968F4 // sceKernelCpuSuspendIntr
	NIDResumeInterrupts  uint32 = 0x5F10D406 // sceKernelCpuResumeIntr
	NIDIdle              uint32 = 0x903DD5E6 // _sceKernelIdle
)

var debugBreakExcluded = [...]uint32{
	NIDSuspendInterrupts,
	NIDResumeInterrupts,
	NIDIdle,
}
