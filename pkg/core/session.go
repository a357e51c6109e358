// Package core assembles an emulator session: guest RAM, the CPU state, the
// execution backend, the syscall bridge, and the built-in kernel modules.
// One Session corresponds to one emulated machine; everything in it is
// rebuilt deterministically on startup except the bridge's deferred queue,
// which rides the savestate stream.
package core

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"allegrex/pkg/hle"
	"allegrex/pkg/mem"
	"allegrex/pkg/mips"
	"allegrex/pkg/mips/jit"
	"allegrex/pkg/savestate"
)

// Memory layout defaults. The stub arena sits in the kernel area below user
// programs; the text window bounds what the block table can cover.
const (
	DefaultTextBase = mem.UserBase
	DefaultTextSize = 256 * 1024

	arenaBase = mem.KernelBase + 0x10000
	arenaSize = 0x4000
)

// Backend selects how guest code executes.
type Backend string

const (
	// BackendAuto picks the native backend where available unless
	// ALLEGREX_JIT=off.
	BackendAuto   Backend = ""
	BackendJIT    Backend = "jit"
	BackendInterp Backend = "interp"
)

type Options struct {
	Logger  *zap.Logger
	Backend Backend

	// TextBase and TextSize bound the translated-code window; zero takes
	// the defaults.
	TextBase uint32
	TextSize uint32

	// Bare skips built-in module registration; tools and tests register
	// their own tables.
	Bare bool
}

// Session owns one emulated machine.
type Session struct {
	RAM    *mem.RAM
	CPU    *mips.State
	Bridge *hle.Bridge

	log    *zap.Logger
	runner *jit.Runner
	interp *mips.Interp
	sched  *sessionScheduler
	dbg    *sessionDebugger

	textBase uint32
	textSize uint32

	intrEnabled bool
}

func NewSession(opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		RAM:         mem.NewDefault(),
		CPU:         &mips.State{},
		log:         log.Named("core"),
		textBase:    opts.TextBase,
		textSize:    opts.TextSize,
		intrEnabled: true,
	}
	if s.textBase == 0 {
		s.textBase = DefaultTextBase
	}
	if s.textSize == 0 {
		s.textSize = DefaultTextSize
	}
	s.CPU.Reset(s.textBase)
	s.sched = &sessionScheduler{log: s.log.Named("sched")}
	s.dbg = &sessionDebugger{cpu: s.CPU, log: s.log.Named("debug")}

	s.Bridge = hle.New(hle.Options{
		Logger:        log,
		Mem:           s.RAM,
		CPU:           s.CPU,
		Sched:         s.sched,
		Debugger:      s.dbg,
		StubArenaBase: arenaBase,
		StubArenaSize: arenaSize,
	})
	if !opts.Bare {
		s.registerBuiltins()
	}

	useJIT := false
	switch opts.Backend {
	case BackendJIT:
		useJIT = true
	case BackendInterp:
	case BackendAuto:
		useJIT = jit.Supported && os.Getenv("ALLEGREX_JIT") != "off"
	default:
		return nil, errors.Errorf("unknown backend %q", opts.Backend)
	}

	if useJIT {
		runner, err := jit.NewRunner(log, s.CPU, s.RAM, s.textBase, s.textSize)
		if err != nil {
			return nil, errors.Wrap(err, "native backend")
		}
		runner.OnSyscall = s.dispatchSyscall
		runner.OnBreak = s.onBreak
		s.runner = runner
	} else {
		s.interp = &mips.Interp{
			State:     s.CPU,
			Mem:       s.RAM,
			OnSyscall: s.dispatchSyscall,
			OnBreak:   s.onBreak,
		}
	}

	s.log.Info("session up", zap.String("backend", s.BackendName()),
		zap.Uint32("textBase", s.textBase), zap.Uint32("textSize", s.textSize))
	return s, nil
}

// BackendName reports which backend executes guest code.
func (s *Session) BackendName() string {
	if s.runner != nil {
		return "jit"
	}
	return "interp"
}

// JITStats returns translation statistics; zero on the interpreter backend.
func (s *Session) JITStats() jit.Stats {
	if s.runner == nil {
		return jit.Stats{}
	}
	return s.runner.Stats()
}

// SchedulerCounts reports how many post-call actions the session serviced.
func (s *Session) SchedulerCounts() (reschedules, callbackChecks, interrupts int) {
	return s.sched.reschedules, s.sched.callbackChecks, s.sched.interrupts
}

func (s *Session) dispatchSyscall(op uint32) {
	s.Bridge.Dispatch(op)
}

func (s *Session) onBreak(pc uint32) {
	s.log.Warn("guest breakpoint", zap.Uint32("pc", pc))
	s.dbg.EnterStepping()
}

// LoadProgram writes words into guest memory at addr and points the CPU at
// it. Any translated code covering the window is dropped.
func (s *Session) LoadProgram(addr uint32, words []uint32) error {
	for i, w := range words {
		if err := s.RAM.Write32(addr+uint32(i)*4, w); err != nil {
			return errors.Wrap(err, "loading program")
		}
	}
	s.CPU.Reset(addr)
	if s.runner != nil {
		s.runner.InvalidateCode()
	}
	return nil
}

// PatchImport writes (or defers) the syscall stub for a call site and drops
// any translated code that may cover it.
func (s *Session) PatchImport(module string, nid, addr uint32) error {
	if err := s.Bridge.WriteSyscallStub(module, nid, addr); err != nil {
		return err
	}
	if s.runner != nil {
		s.runner.InvalidateCode()
	}
	return nil
}

// Run executes guest code until the instruction budget is spent, the run
// state leaves running, a breakpoint fires, or the guest faults.
func (s *Session) Run(budget int32) error {
	if s.runner != nil {
		return s.runner.Run(budget)
	}
	s.CPU.Downcount = budget
	for s.CPU.Downcount >= 0 {
		if s.CPU.RunState != mips.RunStateRunning {
			return nil
		}
		if err := s.interp.Step(); err != nil {
			return err
		}
		s.CPU.Downcount--
	}
	return nil
}

// SaveState writes everything this core persists: the bridge's deferred
// queue. Modules and generated code are rebuilt on load.
func (s *Session) SaveState(w io.Writer) error {
	return savestate.Save(w, s.Bridge.DoState)
}

// LoadState restores the deferred queue from a stream written by SaveState.
func (s *Session) LoadState(r io.Reader) error {
	return savestate.Load(r, s.Bridge.DoState)
}

// Shutdown releases the backend and clears the bridge. The session must not
// be used afterward.
func (s *Session) Shutdown() {
	if s.runner != nil {
		if err := s.runner.Shutdown(); err != nil {
			s.log.Error("backend shutdown", zap.Error(err))
		}
		s.runner = nil
	}
	s.Bridge.Shutdown()
	s.log.Info("session down")
}

// sessionScheduler stands in for the thread scheduler collaborator: it
// records and logs the post-call actions the bridge drains into it.
type sessionScheduler struct {
	log            *zap.Logger
	reschedules    int
	callbackChecks int
	interrupts     int
}

func (sc *sessionScheduler) ForceRunCurrentCallbacks() {
	sc.callbackChecks++
	sc.log.Debug("forcing current thread callbacks")
}

func (sc *sessionScheduler) RunPendingInterrupt() {
	sc.interrupts++
	sc.log.Debug("running one pending interrupt")
}

func (sc *sessionScheduler) Reschedule(withCallbacks bool, reason string) {
	sc.reschedules++
	sc.log.Debug("reschedule",
		zap.Bool("callbacks", withCallbacks), zap.String("reason", reason))
}

func (sc *sessionScheduler) CheckAllCallbacks() {
	sc.callbackChecks++
	sc.log.Debug("checking all thread callbacks")
}

// sessionDebugger surfaces the debug-break signals: stepping mode stops the
// checked dispatcher before the next block.
type sessionDebugger struct {
	cpu       *mips.State
	log       *zap.Logger
	debugMode bool
}

func (d *sessionDebugger) EnterStepping() {
	d.cpu.RunState = mips.RunStateStepping
	d.log.Info("entering stepping mode")
}

func (d *sessionDebugger) SetDebugMode(on bool) {
	d.debugMode = on
}
