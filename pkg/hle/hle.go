// Package hle is the boundary between the emulated CPU and the
// host-implemented OS services: a registry of named modules whose functions
// are identified by 32-bit name hashes, the syscall-trap encoding that lets
// guest code reach them, deferred resolution for imports against modules
// that have not registered yet, and the post-call action machinery that runs
// reschedules, callbacks, interrupts and debug breaks after a call returns.
package hle

import (
	"github.com/lunixbochs/argjoy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"allegrex/pkg/mips"
	"allegrex/pkg/savestate"
)

// Syscall word layout: a syscall instruction whose code field carries the
// function index in bits 17:6 and the module index above it. The decoder
// reads eight module bits although the encoder shifts by 18; module counts
// stay far below 256, and the asymmetry is kept as-is because patched words
// live on in guest memory.
const (
	SyscallTag     uint32 = 0x0000000C
	InvalidSyscall uint32 = 0x0003FFCC

	invalidFuncIndex = 0xFFF
	maxQueuedName    = 31
)

// EncodeSyscall builds the trap word for a registry position.
func EncodeSyscall(moduleIndex, funcIndex int) uint32 {
	return SyscallTag | uint32(moduleIndex)<<18 | uint32(funcIndex)<<6
}

// DecodeSyscall recovers the registry position from a trap word.
func DecodeSyscall(op uint32) (moduleIndex, funcIndex int) {
	callno := (op >> 6) & 0xFFFFF
	return int((callno & 0xFF000) >> 12), int(callno & 0xFFF)
}

// Handler runs a host-implemented guest function. Arguments and results move
// through the CPU state, by hand or via Wrap.
type Handler func(b *Bridge)

// Function is one entry in a module's table. A nil Handler marks a function
// that is known by name but not implemented; dispatch reports it and keeps
// the guest running.
type Function struct {
	NID     uint32
	Name    string
	Handler Handler
}

// Module is a named namespace of guest-callable functions.
type Module struct {
	Name  string
	Funcs []Function
}

// UnresolvedSyscall remembers an import patched before its module existed.
// The queue survives savestates so resolution still happens after reload.
type UnresolvedSyscall struct {
	ModuleName string
	Address    uint32
	NID        uint32
}

// Memory is the guest memory surface the bridge needs.
type Memory interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, v uint32) error
	ReadCString(addr uint32, max uint32) (string, error)
}

// Scheduler is the thread/callback/interrupt collaborator the drain
// procedure calls into.
type Scheduler interface {
	ForceRunCurrentCallbacks()
	RunPendingInterrupt()
	Reschedule(withCallbacks bool, reason string)
	CheckAllCallbacks()
}

// Debugger receives the stepping signal and the debug-mode flag.
type Debugger interface {
	EnterStepping()
	SetDebugMode(on bool)
}

// Options configures a Bridge. Logger defaults to a nop logger; Sched and
// Debugger default to inert implementations.
type Options struct {
	Logger   *zap.Logger
	Mem      Memory
	CPU      *mips.State
	Sched    Scheduler
	Debugger Debugger

	// StubArena is a guest region the bridge may fill with trap stubs when
	// it resolves queued imports at registration time.
	StubArenaBase uint32
	StubArenaSize uint32
}

// Bridge is the per-session syscall boundary. One exists per emulator
// session; nothing here is safe for concurrent use, execution is
// single-threaded by design.
type Bridge struct {
	log   *zap.Logger
	mem   Memory
	cpu   *mips.State
	sched Scheduler
	dbg   Debugger

	modules    []Module
	unresolved []UnresolvedSyscall

	pending pendingActions

	arenaBase  uint32
	arenaSize  uint32
	arenaNext  uint32
	arenaStubs map[uint32]uint32

	aj argjoy.Argjoy

	debugMode bool
}

func New(opts Options) *Bridge {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sched := opts.Sched
	if sched == nil {
		sched = noopScheduler{}
	}
	dbg := opts.Debugger
	if dbg == nil {
		dbg = noopDebugger{}
	}
	b := &Bridge{
		log:        log.Named("hle"),
		mem:        opts.Mem,
		cpu:        opts.CPU,
		sched:      sched,
		dbg:        dbg,
		arenaBase:  opts.StubArenaBase,
		arenaSize:  opts.StubArenaSize,
		arenaNext:  opts.StubArenaBase,
		arenaStubs: make(map[uint32]uint32),
	}
	b.initArgjoy()
	return b
}

// CPU exposes the register file to handlers.
func (b *Bridge) CPU() *mips.State { return b.cpu }

// Mem exposes guest memory to handlers.
func (b *Bridge) Mem() Memory { return b.mem }

func (b *Bridge) Logger() *zap.Logger { return b.log }

// DebugMode reports whether a debug break has fired.
func (b *Bridge) DebugMode() bool { return b.debugMode }

// Shutdown empties the registry, the deferred queue and all per-call state.
// Modules are expected to be re-registered from static definitions on the
// next startup.
func (b *Bridge) Shutdown() {
	b.modules = nil
	b.unresolved = nil
	b.pending = pendingActions{}
	b.arenaNext = b.arenaBase
	b.arenaStubs = make(map[uint32]uint32)
	b.debugMode = false
}

//
// Registry
//

// RegisterModule appends m and resolves every queued import waiting on its
// name. Re-registering a name is allowed and creates a shadowed duplicate:
// lookups keep returning the first occurrence.
func (b *Bridge) RegisterModule(m Module) {
	b.modules = append(b.modules, m)
	b.resolveQueued(m.Name)
}

// ModuleIndex finds a module by exact name, -1 if absent. First match wins.
func (b *Bridge) ModuleIndex(name string) int {
	for i := range b.modules {
		if b.modules[i].Name == name {
			return i
		}
	}
	return -1
}

// FuncIndex finds a function by ID inside a module, -1 if absent.
func (b *Bridge) FuncIndex(moduleIndex int, nid uint32) int {
	if moduleIndex < 0 || moduleIndex >= len(b.modules) {
		return -1
	}
	for i := range b.modules[moduleIndex].Funcs {
		if b.modules[moduleIndex].Funcs[i].NID == nid {
			return i
		}
	}
	return -1
}

// FuncByName is the tooling lookup path; dispatch never goes through names.
func (b *Bridge) FuncByName(moduleName, funcName string) (Function, bool) {
	idx := b.ModuleIndex(moduleName)
	if idx < 0 {
		return Function{}, false
	}
	for _, f := range b.modules[idx].Funcs {
		if f.Name == funcName {
			return f, true
		}
	}
	return Function{}, false
}

// ModuleName returns a printable module name for diagnostics.
func (b *Bridge) ModuleName(moduleIndex int) string {
	if moduleIndex < 0 || moduleIndex >= len(b.modules) {
		return "(unknown)"
	}
	return b.modules[moduleIndex].Name
}

// FuncName returns a printable function name for diagnostics.
func (b *Bridge) FuncName(moduleIndex, funcIndex int) string {
	if moduleIndex < 0 || moduleIndex >= len(b.modules) {
		return "(unknown)"
	}
	fns := b.modules[moduleIndex].Funcs
	if funcIndex < 0 || funcIndex >= len(fns) {
		return "(unknown)"
	}
	return fns[funcIndex].Name
}

//
// Encoder / patcher
//

// GetSyscallOp encodes a trap word for (module, nid). Unknown modules and
// unknown IDs yield the invalid-syscall sentinel, which dispatch treats as a
// guest integrity fault if it is ever executed.
func (b *Bridge) GetSyscallOp(module string, nid uint32) uint32 {
	modIdx := b.ModuleIndex(module)
	if modIdx == -1 {
		b.log.Error("unknown module", zap.String("module", module))
		return InvalidSyscall
	}
	funcIdx := b.FuncIndex(modIdx, nid)
	if funcIdx == -1 {
		b.log.Info("syscall unknown",
			zap.String("module", module), zap.Uint32("nid", nid))
		// keep the module index in the trap word so the eventual report
		// can still name the module
		return InvalidSyscall | uint32(modIdx)<<18
	}
	return EncodeSyscall(modIdx, funcIdx)
}

// WriteSyscallStub patches the two-slot import stub at addr. A zero nid
// neutralizes the site with a plain return. If the module is not registered
// yet the write is deferred: the site is queued and left untouched until
// either the module registers or a loader resolves it directly.
func (b *Bridge) WriteSyscallStub(module string, nid, addr uint32) error {
	if nid == 0 {
		if err := b.writeStubPair(addr, mips.JRRA, mips.Nop); err != nil {
			return err
		}
		return nil
	}
	if b.ModuleIndex(module) != -1 {
		return b.writeStubPair(addr, mips.JRRA, b.GetSyscallOp(module, nid))
	}
	b.log.Info("syscall unresolved, storing for later resolution",
		zap.String("module", module), zap.Uint32("nid", nid))
	b.unresolved = append(b.unresolved, UnresolvedSyscall{
		ModuleName: truncateName(module),
		Address:    addr,
		NID:        nid,
	})
	return nil
}

// ResolveSyscall rewrites every queued site waiting on (module, nid) into a
// direct jump to target, bypassing the trap for good. Entries stay queued
// afterward; re-resolution is harmless and matches long-standing behavior.
func (b *Bridge) ResolveSyscall(module string, nid, target uint32) error {
	name := truncateName(module)
	for i := range b.unresolved {
		e := &b.unresolved[i]
		if e.ModuleName != name || e.NID != nid {
			continue
		}
		if err := b.writeStubPair(e.Address, mips.J(target), mips.Nop); err != nil {
			return err
		}
		b.log.Info("resolving syscall",
			zap.String("module", module), zap.Uint32("nid", nid),
			zap.Uint32("site", e.Address), zap.Uint32("target", target))
	}
	return nil
}

// resolveQueued consumes queue entries for a freshly registered module name.
// Each site is patched with a jump to a trap stub materialized in the arena,
// so the call still dispatches through the bridge. Entries whose ID the
// module does not carry stay queued.
func (b *Bridge) resolveQueued(module string) {
	modIdx := b.ModuleIndex(module)
	if modIdx == -1 {
		return
	}
	name := truncateName(module)
	kept := b.unresolved[:0]
	for _, e := range b.unresolved {
		if e.ModuleName != name {
			kept = append(kept, e)
			continue
		}
		funcIdx := b.FuncIndex(modIdx, e.NID)
		if funcIdx == -1 {
			kept = append(kept, e)
			continue
		}
		var err error
		if stub, ok := b.trapStub(modIdx, funcIdx); ok {
			err = b.writeStubPair(e.Address, mips.J(stub), mips.Nop)
		} else {
			// arena exhausted, fall back to trapping at the site itself
			err = b.writeStubPair(e.Address, mips.JRRA, EncodeSyscall(modIdx, funcIdx))
		}
		if err != nil {
			b.log.Error("deferred resolution failed",
				zap.Uint32("site", e.Address), zap.Error(err))
			kept = append(kept, e)
			continue
		}
		b.log.Info("resolved queued syscall",
			zap.String("module", module), zap.Uint32("nid", e.NID),
			zap.Uint32("site", e.Address))
	}
	b.unresolved = kept
}

// trapStub returns the arena address of the jr/syscall pair for a registry
// position, writing it on first use.
func (b *Bridge) trapStub(modIdx, funcIdx int) (uint32, bool) {
	key := uint32(modIdx)<<12 | uint32(funcIdx)
	if addr, ok := b.arenaStubs[key]; ok {
		return addr, true
	}
	if b.arenaSize == 0 || b.arenaNext+8 > b.arenaBase+b.arenaSize {
		b.log.Error("stub arena exhausted",
			zap.Uint32("base", b.arenaBase), zap.Uint32("size", b.arenaSize))
		return 0, false
	}
	addr := b.arenaNext
	if err := b.writeStubPair(addr, mips.JRRA, EncodeSyscall(modIdx, funcIdx)); err != nil {
		b.log.Error("stub arena write failed", zap.Error(err))
		return 0, false
	}
	b.arenaNext += 8
	b.arenaStubs[key] = addr
	return addr, true
}

func (b *Bridge) writeStubPair(addr, first, second uint32) error {
	if err := b.mem.Write32(addr, first); err != nil {
		return errors.Wrapf(err, "patching 0x%08x", addr)
	}
	if err := b.mem.Write32(addr+4, second); err != nil {
		return errors.Wrapf(err, "patching 0x%08x", addr+4)
	}
	return nil
}

func truncateName(name string) string {
	if len(name) > maxQueuedName {
		return name[:maxQueuedName]
	}
	return name
}

//
// Savestate
//

type unresolvedRecord struct {
	Name    [32]byte
	Address uint32
	NID     uint32
}

// DoState persists the deferred queue, the only state in the bridge that
// must survive a save/restore. Modules and trap words are rebuilt
// deterministically on load.
func (b *Bridge) DoState(st *savestate.Stream) error {
	return st.Section("HLE", 1, func() error {
		count := uint32(len(b.unresolved))
		if err := st.Do(&count); err != nil {
			return err
		}
		if st.Mode() == savestate.ModeLoad {
			b.unresolved = make([]UnresolvedSyscall, 0, count)
			for i := uint32(0); i < count; i++ {
				var rec unresolvedRecord
				if err := st.Do(&rec); err != nil {
					return err
				}
				b.unresolved = append(b.unresolved, UnresolvedSyscall{
					ModuleName: cstr(rec.Name[:]),
					Address:    rec.Address,
					NID:        rec.NID,
				})
			}
			return nil
		}
		for _, e := range b.unresolved {
			var rec unresolvedRecord
			copy(rec.Name[:maxQueuedName], e.ModuleName)
			rec.Address = e.Address
			rec.NID = e.NID
			if err := st.Do(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

type noopScheduler struct{}

func (noopScheduler) ForceRunCurrentCallbacks() {}
func (noopScheduler) RunPendingInterrupt()      {}
func (noopScheduler) Reschedule(bool, string)   {}
func (noopScheduler) CheckAllCallbacks()        {}

type noopDebugger struct{}

func (noopDebugger) EnterStepping()    {}
func (noopDebugger) SetDebugMode(bool) {}
