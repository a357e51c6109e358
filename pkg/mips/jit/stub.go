//go:build !linux || !amd64

package jit

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"allegrex/pkg/mem"
	"allegrex/pkg/mips"
)

// Supported marks platforms with a native backend.
const Supported = false

// Runner is the stub backend for platforms without native code generation.
// NewRunner always fails; callers fall back to the interpreter.
type Runner struct {
	OnSyscall func(op uint32)
	OnBreak   func(pc uint32)
}

type Stats struct {
	Blocks    int
	CodeBytes int
}

func NewRunner(*zap.Logger, *mips.State, *mem.RAM, uint32, uint32) (*Runner, error) {
	return nil, errors.New("jit: native backend not available on this platform")
}

func (r *Runner) Run(int32) error      { return errors.New("jit: runner not initialized") }
func (r *Runner) Stats() Stats         { return Stats{} }
func (r *Runner) InvalidateCode()      {}
func (r *Runner) Shutdown() error      { return nil }
func (r *Runner) Entries() Trampolines { return Trampolines{} }
