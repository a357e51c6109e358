//go:build linux && amd64

package jit

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Capacity defaults. The trampoline block must fit in TrampolineReserve;
// running past it during generation is a configuration error and panics via
// the assembler's bounds check.
const (
	TrampolineReserve   = 8 * 1024
	DefaultCodeCapacity = 1024 * 1024
)

type regionState int

const (
	regionWritable regionState = iota
	regionExecutable
	regionClosed
)

// CodeRegion is a fixed-capacity mmap'd buffer holding all generated code.
// It starts writable, is protected read+execute once generation finishes,
// and is only ever written again through Rewrite, which reopens, runs the
// writer, and re-protects as one scoped operation. There is no growth.
type CodeRegion struct {
	buf   []byte
	state regionState
}

// NewCodeRegion maps size bytes of writable memory.
func NewCodeRegion(size int) (*CodeRegion, error) {
	if size <= 0 {
		size = DefaultCodeCapacity
	}
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap code region")
	}
	return &CodeRegion{buf: buf, state: regionWritable}, nil
}

// Buf exposes the backing buffer for the assembler. Writing through it while
// the region is executable faults; use Rewrite.
func (r *CodeRegion) Buf() []byte { return r.buf }

// Base returns the host address of the first byte.
func (r *CodeRegion) Base() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

// Capacity returns the mapped size.
func (r *CodeRegion) Capacity() int { return len(r.buf) }

// Executable reports whether the region has been protected.
func (r *CodeRegion) Executable() bool { return r.state == regionExecutable }

// Protect transitions the region from writable to read+execute. Routines in
// it become callable and the buffer becomes immutable.
func (r *CodeRegion) Protect() error {
	switch r.state {
	case regionClosed:
		return errors.New("code region is closed")
	case regionExecutable:
		return nil
	}
	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "mprotect r+x")
	}
	r.state = regionExecutable
	return nil
}

// Rewrite reopens the region for writing, runs fn, and re-protects. No
// generated routine may run while fn does; the single-threaded execution
// model guarantees that because the caller is the same goroutine that
// enters generated code.
func (r *CodeRegion) Rewrite(fn func() error) error {
	switch r.state {
	case regionClosed:
		return errors.New("code region is closed")
	case regionWritable:
		return fn()
	}
	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.Wrap(err, "mprotect r+w")
	}
	r.state = regionWritable
	ferr := fn()
	if err := unix.Mprotect(r.buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return errors.Wrap(err, "mprotect r+x")
	}
	r.state = regionExecutable
	return ferr
}

// Close unmaps the region. No routine in it may be invoked afterward.
func (r *CodeRegion) Close() error {
	if r.state == regionClosed {
		return nil
	}
	err := unix.Munmap(r.buf)
	r.buf = nil
	r.state = regionClosed
	return errors.Wrap(err, "munmap code region")
}
