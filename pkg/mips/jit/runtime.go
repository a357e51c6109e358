//go:build linux && amd64

package jit

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"allegrex/pkg/guestfault"
	"allegrex/pkg/mem"
	"allegrex/pkg/mips"
	jitasm "allegrex/pkg/mips/jit/asm"
)

// Supported marks platforms with a native backend.
const Supported = true

// Runner owns the code region, the trampoline block, the block translation
// table and the compiler, and drives the exit-service loop. Instructions the
// compiler does not translate are stepped with the interpreter, so the two
// backends interleave transparently.
type Runner struct {
	// OnSyscall receives every executed trap word, translated or
	// interpreted, after PC has been moved to the resume address.
	OnSyscall func(op uint32)
	// OnBreak receives the PC of a break instruction; Run returns to the
	// host afterward with PC still on the break.
	OnBreak func(pc uint32)

	log    *zap.Logger
	state  *mips.State
	ram    *mem.RAM
	region *CodeRegion
	asm    *Assembler
	tramp  Trampolines
	comp   *Compiler

	table       []uintptr
	codeStart   uint32
	blocksStart int
	blocks      int

	interp *mips.Interp
	trace  bool
	brk    bool
}

// Stats summarizes the backend for diagnostics.
type Stats struct {
	Blocks    int
	CodeBytes int
}

// NewRunner maps the code region, generates the trampoline block, protects
// the region, and binds the block table covering [codeStart,
// codeStart+codeLen) to the CPU state. Nothing in the region is reachable
// before generation completes, which is what makes the write-then-protect
// sequence race-free.
func NewRunner(log *zap.Logger, state *mips.State, ram *mem.RAM, codeStart, codeLen uint32) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if codeLen == 0 || codeLen%4 != 0 || codeStart%4 != 0 {
		return nil, errors.Errorf("bad code range 0x%08x+0x%x", codeStart, codeLen)
	}
	if !ram.Contains(codeStart) || !ram.Contains(codeStart+codeLen-4) {
		return nil, errors.Errorf("code range 0x%08x+0x%x outside guest RAM", codeStart, codeLen)
	}

	region, err := NewCodeRegion(DefaultCodeCapacity)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		log:       log.Named("jit"),
		state:     state,
		ram:       ram,
		region:    region,
		asm:       NewAssembler(region.Buf()),
		codeStart: codeStart,
		table:     make([]uintptr, codeLen/4),
		trace:     os.Getenv("ALLEGREX_JIT_TRACE") == "1",
	}

	bias := uint64(uintptr(unsafe.Pointer(&ram.Backing()[0]))) - uint64(ram.Base())
	r.tramp = GenerateTrampolines(r.asm, region.Base(), bias)
	if r.asm.Offset() > TrampolineReserve {
		region.Close()
		return nil, errors.Errorf("trampoline block overran its reserve: %d > %d",
			r.asm.Offset(), TrampolineReserve)
	}
	r.blocksStart = TrampolineReserve
	r.asm.Rewind(r.blocksStart)
	if err := region.Protect(); err != nil {
		region.Close()
		return nil, err
	}
	r.comp = NewCompiler(ram, &r.tramp, region.Base())

	state.BlockTable = uintptr(unsafe.Pointer(&r.table[0]))
	state.BlockTableLen = uint32(len(r.table))
	state.CodeStart = codeStart

	r.interp = &mips.Interp{
		State: state,
		Mem:   ram,
		OnSyscall: func(op uint32) {
			if r.OnSyscall != nil {
				r.OnSyscall(op)
			}
		},
		OnBreak: func(pc uint32) {
			r.brk = true
			if r.OnBreak != nil {
				r.OnBreak(pc)
			}
		},
	}

	r.log.Info("trampolines generated",
		zap.Int("bytes", r.blocksStart),
		zap.Uint32("codeStart", codeStart),
		zap.Int("tableEntries", len(r.table)))
	return r, nil
}

// Entries exposes the published trampoline addresses.
func (r *Runner) Entries() Trampolines { return r.tramp }

func (r *Runner) Stats() Stats {
	return Stats{Blocks: r.blocks, CodeBytes: r.asm.Offset() - r.blocksStart}
}

// Run executes guest code until the instruction budget is spent, the run
// state leaves running, a breakpoint fires, or the guest faults.
func (r *Runner) Run(budget int32) error {
	r.state.Downcount = budget
	for {
		exit, arg := jitasm.EnterCode(r.tramp.Entry, uintptr(unsafe.Pointer(r.state)))
		switch ExitReason(exit) {
		case ExitCompile:
			if err := r.compileOrStep(uint32(arg)); err != nil {
				return err
			}
			if r.brk {
				r.brk = false
				return nil
			}
		case ExitSyscall:
			if r.OnSyscall != nil {
				r.OnSyscall(uint32(arg))
			}
		case ExitBreakpoint:
			if r.OnBreak != nil {
				r.OnBreak(uint32(arg))
			}
			return nil
		case ExitFPException:
			r.log.Warn("fp exception",
				zap.Uint32("fcr31", uint32(arg)), zap.Uint32("pc", r.state.PC))
			r.state.FCR31 &^= mips.FPCauseMask
		case ExitHalt:
			return nil
		case ExitTimeslice:
			return nil
		case ExitMemFault:
			return guestfault.Faultf("memory access at 0x%08x (pc 0x%08x)",
				uint32(arg), r.state.PC)
		default:
			return guestfault.Faultf("unknown exit %d from generated code", exit)
		}
	}
}

// compileOrStep services a dispatch miss: translate the block at pc when it
// lies in the covered range, otherwise (or when the block starts with an
// untranslatable instruction) execute one instruction with the interpreter.
func (r *Runner) compileOrStep(pc uint32) error {
	if idx, ok := r.tableIndex(pc); ok {
		var blk *CompiledBlock
		if err := r.region.Rewrite(func() error {
			blk = r.comp.Compile(r.asm, pc)
			return nil
		}); err != nil {
			return err
		}
		if blk != nil {
			r.table[idx] = blk.Entry
			r.blocks++
			r.log.Debug("block translated",
				zap.Uint32("pc", pc),
				zap.Int("guestInstrs", blk.Len),
				zap.Int("nativeBytes", blk.Size))
			if r.trace {
				r.disasm(blk)
			}
			return nil
		}
	}
	r.state.Downcount--
	return r.interp.Step()
}

func (r *Runner) tableIndex(pc uint32) (int, bool) {
	if pc < r.codeStart || pc%4 != 0 {
		return 0, false
	}
	idx := int(pc-r.codeStart) / 4
	if idx >= len(r.table) {
		return 0, false
	}
	return idx, true
}

// InvalidateCode drops every translated block, used after guest text is
// patched. The trampoline block survives; blocks retranslate on demand.
func (r *Runner) InvalidateCode() {
	for i := range r.table {
		r.table[i] = 0
	}
	r.asm.Rewind(r.blocksStart)
	r.blocks = 0
}

// Shutdown unbinds the block table and releases the code region. The runner
// must not be used afterward.
func (r *Runner) Shutdown() error {
	r.state.BlockTable = 0
	r.state.BlockTableLen = 0
	r.table = nil
	return r.region.Close()
}

// disasm logs the generated code of a block, one instruction per line.
func (r *Runner) disasm(blk *CompiledBlock) {
	off := int(blk.Entry - r.region.Base())
	code := r.region.Buf()[off : off+blk.Size]
	addr := uint64(blk.Entry)
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			r.log.Debug("disassembly stopped", zap.Error(err))
			return
		}
		r.log.Debug(fmt.Sprintf("%#x: %s", addr, x86asm.GNUSyntax(inst, addr, nil)))
		code = code[inst.Len:]
		addr += uint64(inst.Len)
	}
}
