package mem

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Constants for the guest memory layout
const (
	// KernelBase is the bottom of emulated main RAM; the kernel area sits
	// below UserBase and holds loader-owned structures such as trap stubs.
	KernelBase = 0x08000000
	// UserBase is where user programs are loaded.
	UserBase = 0x08800000
	// DefaultSize covers 24 MiB of main RAM starting at KernelBase.
	DefaultSize = 0x01800000
)

// RAM is a flat little-endian guest memory window starting at a fixed base
// address. All accessors bounds-check against the window; addresses outside
// it fail with an error naming the faulting address rather than panicking,
// since bad addresses normally come from the guest, not the host.
type RAM struct {
	base uint32
	data []byte
}

//
// Creation
//

// New allocates a zeroed memory window of size bytes based at base.
func New(base, size uint32) *RAM {
	return &RAM{
		base: base,
		data: make([]byte, size),
	}
}

// NewDefault allocates the standard main-RAM window.
func NewDefault() *RAM {
	return New(KernelBase, DefaultSize)
}

func (r *RAM) Base() uint32 { return r.base }
func (r *RAM) Size() uint32 { return uint32(len(r.data)) }

// Backing exposes the raw backing slice. The JIT embeds its address in
// generated loads and stores; nothing may reallocate it after that.
func (r *RAM) Backing() []byte { return r.data }

// Contains reports whether addr falls inside the window.
func (r *RAM) Contains(addr uint32) bool {
	return addr >= r.base && addr-r.base < uint32(len(r.data))
}

// offset translates a guest address plus length into a backing-slice offset.
func (r *RAM) offset(addr uint32, n uint32) (uint32, error) {
	off := addr - r.base
	if addr < r.base || off >= uint32(len(r.data)) || uint32(len(r.data))-off < n {
		return 0, errors.Errorf("invalid memory access at 0x%08x (%d bytes)", addr, n)
	}
	return off, nil
}

//
// Reads
//

func (r *RAM) Read8(addr uint32) (uint8, error) {
	off, err := r.offset(addr, 1)
	if err != nil {
		return 0, errors.Wrap(err, "read8")
	}
	return r.data[off], nil
}

func (r *RAM) Read16(addr uint32) (uint16, error) {
	off, err := r.offset(addr, 2)
	if err != nil {
		return 0, errors.Wrap(err, "read16")
	}
	return binary.LittleEndian.Uint16(r.data[off:]), nil
}

func (r *RAM) Read32(addr uint32) (uint32, error) {
	off, err := r.offset(addr, 4)
	if err != nil {
		return 0, errors.Wrap(err, "read32")
	}
	return binary.LittleEndian.Uint32(r.data[off:]), nil
}

// ReadBytes copies n bytes starting at addr.
func (r *RAM) ReadBytes(addr uint32, n uint32) ([]byte, error) {
	off, err := r.offset(addr, n)
	if err != nil {
		return nil, errors.Wrap(err, "read bytes")
	}
	out := make([]byte, n)
	copy(out, r.data[off:off+n])
	return out, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
// An unterminated run up to max is returned as-is.
func (r *RAM) ReadCString(addr uint32, max uint32) (string, error) {
	off, err := r.offset(addr, 1)
	if err != nil {
		return "", errors.Wrap(err, "read cstring")
	}
	end := off
	limit := off + max
	if limit > uint32(len(r.data)) || limit < off {
		limit = uint32(len(r.data))
	}
	for end < limit && r.data[end] != 0 {
		end++
	}
	return string(r.data[off:end]), nil
}

//
// Writes
//

func (r *RAM) Write8(addr uint32, v uint8) error {
	off, err := r.offset(addr, 1)
	if err != nil {
		return errors.Wrap(err, "write8")
	}
	r.data[off] = v
	return nil
}

func (r *RAM) Write16(addr uint32, v uint16) error {
	off, err := r.offset(addr, 2)
	if err != nil {
		return errors.Wrap(err, "write16")
	}
	binary.LittleEndian.PutUint16(r.data[off:], v)
	return nil
}

func (r *RAM) Write32(addr uint32, v uint32) error {
	off, err := r.offset(addr, 4)
	if err != nil {
		return errors.Wrap(err, "write32")
	}
	binary.LittleEndian.PutUint32(r.data[off:], v)
	return nil
}

// WriteBytes copies b into guest memory starting at addr.
func (r *RAM) WriteBytes(addr uint32, b []byte) error {
	off, err := r.offset(addr, uint32(len(b)))
	if err != nil {
		return errors.Wrap(err, "write bytes")
	}
	copy(r.data[off:], b)
	return nil
}

// Reset zeroes the whole window.
func (r *RAM) Reset() {
	for i := range r.data {
		r.data[i] = 0
	}
}
