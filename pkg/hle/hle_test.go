package hle

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"allegrex/pkg/mem"
	"allegrex/pkg/mips"
	"allegrex/pkg/savestate"
)

const (
	testRAMBase   = 0x08000000
	testArenaBase = 0x08000100
	testArenaSize = 0x100
	testSiteAddr  = 0x08010000
)

type recordingScheduler struct {
	calls []string
}

func (r *recordingScheduler) ForceRunCurrentCallbacks() {
	r.calls = append(r.calls, "current-callbacks")
}

func (r *recordingScheduler) RunPendingInterrupt() {
	r.calls = append(r.calls, "interrupt")
}

func (r *recordingScheduler) Reschedule(withCallbacks bool, reason string) {
	r.calls = append(r.calls, fmt.Sprintf("reschedule(callbacks=%v, %q)", withCallbacks, reason))
}

func (r *recordingScheduler) CheckAllCallbacks() {
	r.calls = append(r.calls, "all-callbacks")
}

type recordingDebugger struct {
	stepping  int
	debugMode bool
}

func (r *recordingDebugger) EnterStepping()       { r.stepping++ }
func (r *recordingDebugger) SetDebugMode(on bool) { r.debugMode = on }

type testEnv struct {
	b     *Bridge
	ram   *mem.RAM
	cpu   *mips.State
	sched *recordingScheduler
	dbg   *recordingDebugger
}

func newTestEnv(t *testing.T, logger *zap.Logger) *testEnv {
	t.Helper()
	ram := mem.New(testRAMBase, 0x20000)
	cpu := &mips.State{}
	cpu.Reset(testRAMBase)
	sched := &recordingScheduler{}
	dbg := &recordingDebugger{}
	b := New(Options{
		Logger:        logger,
		Mem:           ram,
		CPU:           cpu,
		Sched:         sched,
		Debugger:      dbg,
		StubArenaBase: testArenaBase,
		StubArenaSize: testArenaSize,
	})
	return &testEnv{b: b, ram: ram, cpu: cpu, sched: sched, dbg: dbg}
}

func readWord(t *testing.T, ram *mem.RAM, addr uint32) uint32 {
	t.Helper()
	v, err := ram.Read32(addr)
	if err != nil {
		t.Fatalf("Read32(0x%08x): %v", addr, err)
	}
	return v
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "ModA", Funcs: []Function{
		{NID: 0x11111111, Name: "a0", Handler: func(*Bridge) {}},
		{NID: 0x22222222, Name: "a1", Handler: func(*Bridge) {}},
	}})
	env.b.RegisterModule(Module{Name: "ModB", Funcs: []Function{
		{NID: 0x33333333, Name: "b0", Handler: func(*Bridge) {}},
	}})

	for mi := range env.b.modules {
		for fi := range env.b.modules[mi].Funcs {
			op := EncodeSyscall(mi, fi)
			gotM, gotF := DecodeSyscall(op)
			if gotM != mi || gotF != fi {
				t.Errorf("encode(%d,%d)=0x%08x decoded to (%d,%d)", mi, fi, op, gotM, gotF)
			}
		}
	}

	_, f := DecodeSyscall(InvalidSyscall)
	if f != invalidFuncIndex {
		t.Errorf("sentinel decodes to func index 0x%x, want 0x%x", f, invalidFuncIndex)
	}
}

func TestGetSyscallOpUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Known", Funcs: []Function{
		{NID: 0xAAAAAAAA, Name: "f", Handler: func(*Bridge) {}},
	}})
	env.b.RegisterModule(Module{Name: "Second", Funcs: []Function{
		{NID: 0xCCCCCCCC, Name: "g", Handler: func(*Bridge) {}},
	}})

	if op := env.b.GetSyscallOp("Missing", 0xAAAAAAAA); op != InvalidSyscall {
		t.Errorf("unknown module: op = 0x%08x, want sentinel 0x%08x", op, InvalidSyscall)
	}
	// an unknown NID against a known module keeps the module index in the word
	want := InvalidSyscall | uint32(1)<<18
	if op := env.b.GetSyscallOp("Second", 0xBBBBBBBB); op != want {
		t.Errorf("unknown nid: op = 0x%08x, want sentinel 0x%08x", op, want)
	}
	if op := env.b.GetSyscallOp("Known", 0xAAAAAAAA); op != EncodeSyscall(0, 0) {
		t.Errorf("known pair: op = 0x%08x, want 0x%08x", op, EncodeSyscall(0, 0))
	}
}

func TestWriteStubKnownModule(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x12345678, Name: "f", Handler: func(*Bridge) {}},
	}})

	if err := env.b.WriteSyscallStub("Mod", 0x12345678, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	if got := readWord(t, env.ram, testSiteAddr); got != mips.JRRA {
		t.Errorf("slot 0 = 0x%08x, want jr $ra 0x%08x", got, mips.JRRA)
	}
	if got := readWord(t, env.ram, testSiteAddr+4); got != EncodeSyscall(0, 0) {
		t.Errorf("slot 1 = 0x%08x, want trap 0x%08x", got, EncodeSyscall(0, 0))
	}
}

func TestWriteStubZeroNIDNeutralizes(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.b.WriteSyscallStub("Whatever", 0, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	if got := readWord(t, env.ram, testSiteAddr); got != mips.JRRA {
		t.Errorf("slot 0 = 0x%08x, want jr $ra", got)
	}
	if got := readWord(t, env.ram, testSiteAddr+4); got != mips.Nop {
		t.Errorf("slot 1 = 0x%08x, want nop", got)
	}
}

func TestDeferredResolutionOnRegister(t *testing.T) {
	env := newTestEnv(t, nil)
	const nid = 0x1234ABCD

	if err := env.b.WriteSyscallStub("Foo", nid, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	// nothing is written until the module shows up
	if got := readWord(t, env.ram, testSiteAddr); got != 0 {
		t.Fatalf("site written early: 0x%08x", got)
	}
	if len(env.b.unresolved) != 1 {
		t.Fatalf("queue length = %d, want 1", len(env.b.unresolved))
	}

	env.b.RegisterModule(Module{Name: "Foo", Funcs: []Function{
		{NID: nid, Name: "fooFunc", Handler: func(*Bridge) {}},
	}})

	// the site is now a jump, not a trap stub
	slot0 := readWord(t, env.ram, testSiteAddr)
	if slot0>>26 != 0x02 {
		t.Fatalf("slot 0 = 0x%08x, want a j instruction", slot0)
	}
	if got := readWord(t, env.ram, testSiteAddr+4); got != mips.Nop {
		t.Errorf("slot 1 = 0x%08x, want nop", got)
	}
	if len(env.b.unresolved) != 0 {
		t.Errorf("queue not consumed: %d entries left", len(env.b.unresolved))
	}

	// the jump lands on an arena trap stub for the right registry slot
	target := mips.JumpTarget(testSiteAddr, slot0)
	if target < testArenaBase || target >= testArenaBase+testArenaSize {
		t.Fatalf("jump target 0x%08x outside arena", target)
	}
	if got := readWord(t, env.ram, target); got != mips.JRRA {
		t.Errorf("arena slot 0 = 0x%08x, want jr $ra", got)
	}
	trap := readWord(t, env.ram, target+4)
	gotM, gotF := DecodeSyscall(trap)
	if gotM != 0 || gotF != 0 {
		t.Errorf("arena trap decodes to (%d,%d), want (0,0)", gotM, gotF)
	}
}

func TestRegisterKeepsUnmatchedEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.b.WriteSyscallStub("Foo", 0x11110000, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	if err := env.b.WriteSyscallStub("Bar", 0x22220000, testSiteAddr+8); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}

	// Foo registers without the queued ID; both entries must survive
	env.b.RegisterModule(Module{Name: "Foo", Funcs: []Function{
		{NID: 0x99999999, Name: "other", Handler: func(*Bridge) {}},
	}})
	if len(env.b.unresolved) != 2 {
		t.Fatalf("queue length = %d, want 2", len(env.b.unresolved))
	}
}

func TestResolveSyscallKeepsEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	const nid = 0xDEAD0001
	if err := env.b.WriteSyscallStub("Ext", nid, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}

	const target = 0x08014000
	if err := env.b.ResolveSyscall("Ext", nid, target); err != nil {
		t.Fatalf("ResolveSyscall: %v", err)
	}
	slot0 := readWord(t, env.ram, testSiteAddr)
	if slot0 != mips.J(target) {
		t.Errorf("slot 0 = 0x%08x, want j 0x%08x", slot0, mips.J(target))
	}
	if got := readWord(t, env.ram, testSiteAddr+4); got != mips.Nop {
		t.Errorf("slot 1 = 0x%08x, want nop", got)
	}
	// entries are deliberately left in place on this path
	if len(env.b.unresolved) != 1 {
		t.Errorf("queue length = %d, want 1", len(env.b.unresolved))
	}
}

func TestDuplicateRegistrationFirstWins(t *testing.T) {
	env := newTestEnv(t, nil)
	first := func(*Bridge) {}
	env.b.RegisterModule(Module{Name: "Dup", Funcs: []Function{
		{NID: 1, Name: "first", Handler: first},
	}})
	env.b.RegisterModule(Module{Name: "Dup", Funcs: []Function{
		{NID: 1, Name: "second", Handler: func(*Bridge) {}},
	}})

	if len(env.b.modules) != 2 {
		t.Fatalf("duplicate registration deduplicated: %d modules", len(env.b.modules))
	}
	if idx := env.b.ModuleIndex("Dup"); idx != 0 {
		t.Errorf("ModuleIndex = %d, want 0", idx)
	}
	if op := env.b.GetSyscallOp("Dup", 1); op != EncodeSyscall(0, 0) {
		t.Errorf("GetSyscallOp = 0x%08x, want first occurrence encoding", op)
	}
}

func TestDispatchUnimplemented(t *testing.T) {
	obs, logs := observer.New(zap.ErrorLevel)
	env := newTestEnv(t, zap.New(obs))
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x1, Name: "ghost", Handler: nil},
	}})

	env.cpu.GPR[mips.RegA0] = 0x1234
	before := *env.cpu
	memBefore, err := env.ram.ReadBytes(testRAMBase, 0x100)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}

	env.b.Dispatch(EncodeSyscall(0, 0))

	if diff := cmp.Diff(before, *env.cpu); diff != "" {
		t.Errorf("CPU state changed (-before +after):\n%s", diff)
	}
	memAfter, _ := env.ram.ReadBytes(testRAMBase, 0x100)
	if !bytes.Equal(memBefore, memAfter) {
		t.Errorf("guest memory changed")
	}
	if env.b.PendingActions() != AfterNothing {
		t.Errorf("action mask = %v, want nothing", env.b.PendingActions())
	}
	if len(env.sched.calls) != 0 {
		t.Errorf("scheduler touched: %v", env.sched.calls)
	}

	found := false
	for _, entry := range logs.All() {
		if strings.Contains(entry.Message, "unimplemented") {
			found = true
		}
	}
	if !found {
		t.Errorf("no diagnostic logged")
	}
}

func TestDispatchInvalidWord(t *testing.T) {
	obs, logs := observer.New(zap.ErrorLevel)
	env := newTestEnv(t, zap.New(obs))
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x1, Name: "f", Handler: func(*Bridge) { t.Fatal("handler ran") }},
	}})

	// the sentinel and a word aimed past the registry are both rejected
	env.b.Dispatch(InvalidSyscall)
	env.b.Dispatch(EncodeSyscall(9, 0))

	if logs.Len() < 2 {
		t.Errorf("expected two diagnostics, got %d", logs.Len())
	}
	if env.b.PendingActions() != AfterNothing {
		t.Errorf("action mask = %v, want nothing", env.b.PendingActions())
	}
}

func TestDrainReschedWithCallbacks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x1, Name: "sleepy", Handler: func(b *Bridge) {
			b.RequestRescheduleWithCallbacks("slept")
		}},
	}})

	env.b.Dispatch(EncodeSyscall(0, 0))

	want := []string{`reschedule(callbacks=true, "slept")`}
	if diff := cmp.Diff(want, env.sched.calls); diff != "" {
		t.Errorf("scheduler calls (-want +got):\n%s", diff)
	}
	if env.b.PendingActions() != AfterNothing {
		t.Errorf("mask not cleared: %v", env.b.PendingActions())
	}
	if env.b.ReschedReason() != "" {
		t.Errorf("reason not cleared: %q", env.b.ReschedReason())
	}
}

func TestDrainFullOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x1, Name: "busy", Handler: func(b *Bridge) {
			b.RequestReschedule("busy resched")
			b.RequestCallbackCheck(true)
			b.RequestInterruptProcessing()
		}},
	}})

	env.b.Dispatch(EncodeSyscall(0, 0))

	want := []string{
		"current-callbacks",
		"interrupt",
		`reschedule(callbacks=false, "busy resched")`,
	}
	if diff := cmp.Diff(want, env.sched.calls); diff != "" {
		t.Errorf("scheduler calls (-want +got):\n%s", diff)
	}
}

func TestDrainAllCallbacksWithoutResched(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x1, Name: "checker", Handler: func(b *Bridge) {
			b.RequestCallbackCheck(false)
		}},
	}})

	env.b.Dispatch(EncodeSyscall(0, 0))

	want := []string{"all-callbacks"}
	if diff := cmp.Diff(want, env.sched.calls); diff != "" {
		t.Errorf("scheduler calls (-want +got):\n%s", diff)
	}
}

func TestDebugBreak(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0xBEEF0001, Name: "plain", Handler: func(b *Bridge) {
			b.RequestDebugBreak()
		}},
	}})

	env.b.Dispatch(EncodeSyscall(0, 0))

	if env.dbg.stepping != 1 {
		t.Errorf("stepping signals = %d, want 1", env.dbg.stepping)
	}
	if !env.dbg.debugMode || !env.b.DebugMode() {
		t.Errorf("debug mode not set (host=%v bridge=%v)", env.dbg.debugMode, env.b.DebugMode())
	}
	if env.b.PendingActions() != AfterNothing {
		t.Errorf("mask not cleared: %v", env.b.PendingActions())
	}
}

func TestDebugBreakExclusionRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "InterruptManager", Funcs: []Function{
		{NID: NIDSuspendInterrupts, Name: "sceKernelCpuSuspendIntr", Handler: func(b *Bridge) {
			b.RequestDebugBreak()
			b.RequestReschedule("noise")
		}},
		{NID: 0xBEEF0002, Name: "plain", Handler: func(*Bridge) {}},
	}})

	// excluded function: no stepping, break deferred with reason wiped
	env.b.Dispatch(EncodeSyscall(0, 0))
	if env.dbg.stepping != 0 {
		t.Fatalf("stepping fired for excluded function")
	}
	if env.b.PendingActions() != AfterDebugBreak {
		t.Fatalf("mask = %v, want deferred debug-break only", env.b.PendingActions())
	}
	if env.b.ReschedReason() != "" {
		t.Fatalf("reason survived the collapse: %q", env.b.ReschedReason())
	}
	// the reschedule itself still ran
	want := []string{`reschedule(callbacks=false, "noise")`}
	if diff := cmp.Diff(want, env.sched.calls); diff != "" {
		t.Fatalf("scheduler calls (-want +got):\n%s", diff)
	}

	// very next call, against a non-excluded function, fires the break
	env.b.Dispatch(EncodeSyscall(0, 1))
	if env.dbg.stepping != 1 {
		t.Errorf("deferred break did not fire")
	}
	if env.b.PendingActions() != AfterNothing {
		t.Errorf("mask not cleared after deferred break: %v", env.b.PendingActions())
	}
}

func TestReasonTruncation(t *testing.T) {
	env := newTestEnv(t, nil)
	long := strings.Repeat("x", 600)
	env.b.RequestReschedule(long)
	if got := len(env.b.ReschedReason()); got != ReasonCapacity {
		t.Errorf("reason length = %d, want %d", got, ReasonCapacity)
	}
	if env.b.ReschedReason() != long[:ReasonCapacity] {
		t.Errorf("reason content mangled")
	}
}

func TestModuleNameTruncatedInQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	longName := "AbsurdlyLongModuleNameThatKeepsGoing" // 36 chars
	if err := env.b.WriteSyscallStub(longName, 0x1, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	if got := env.b.unresolved[0].ModuleName; len(got) != 31 {
		t.Fatalf("queued name %q has length %d, want 31", got, len(got))
	}

	// registration under the full name still matches the truncated entry
	env.b.RegisterModule(Module{Name: longName, Funcs: []Function{
		{NID: 0x1, Name: "f", Handler: func(*Bridge) {}},
	}})
	if len(env.b.unresolved) != 0 {
		t.Errorf("truncated entry not resolved")
	}
}

func TestLookupHelpers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x42, Name: "answer", Handler: func(*Bridge) {}},
	}})

	f, ok := env.b.FuncByName("Mod", "answer")
	if !ok || f.NID != 0x42 {
		t.Errorf("FuncByName = (%+v, %v)", f, ok)
	}
	if _, ok := env.b.FuncByName("Mod", "question"); ok {
		t.Errorf("FuncByName found a ghost")
	}
	if _, ok := env.b.FuncByName("None", "answer"); ok {
		t.Errorf("FuncByName found a ghost module")
	}
	if got := env.b.ModuleName(0); got != "Mod" {
		t.Errorf("ModuleName = %q", got)
	}
	if got := env.b.ModuleName(7); got != "(unknown)" {
		t.Errorf("ModuleName out of range = %q", got)
	}
	if got := env.b.FuncName(0, 0); got != "answer" {
		t.Errorf("FuncName = %q", got)
	}
	if got := env.b.FuncName(0, 9); got != "(unknown)" {
		t.Errorf("FuncName out of range = %q", got)
	}
}

func TestShutdownClearsEverything(t *testing.T) {
	env := newTestEnv(t, nil)
	env.b.RegisterModule(Module{Name: "Mod", Funcs: []Function{
		{NID: 0x1, Name: "f", Handler: func(*Bridge) {}},
	}})
	if err := env.b.WriteSyscallStub("Gone", 0x2, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	env.b.RequestReschedule("pending")

	env.b.Shutdown()

	if len(env.b.modules) != 0 || len(env.b.unresolved) != 0 {
		t.Errorf("registry or queue survived shutdown")
	}
	if env.b.PendingActions() != AfterNothing || env.b.ReschedReason() != "" {
		t.Errorf("pending actions survived shutdown")
	}
	if env.b.ModuleIndex("Mod") != -1 {
		t.Errorf("lookup still finds a module after shutdown")
	}
}

func TestDoStateRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.b.WriteSyscallStub("Later", 0xAA, testSiteAddr); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}
	if err := env.b.WriteSyscallStub("Never", 0xBB, testSiteAddr+8); err != nil {
		t.Fatalf("WriteSyscallStub: %v", err)
	}

	var buf bytes.Buffer
	if err := savestate.Save(&buf, env.b.DoState); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := newTestEnv(t, nil)
	if err := savestate.Load(&buf, restored.b.DoState); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(env.b.unresolved, restored.b.unresolved); diff != "" {
		t.Errorf("queue mismatch after reload (-want +got):\n%s", diff)
	}

	// resolution still works against the reloaded queue
	restored.b.RegisterModule(Module{Name: "Later", Funcs: []Function{
		{NID: 0xAA, Name: "f", Handler: func(*Bridge) {}},
	}})
	if len(restored.b.unresolved) != 1 {
		t.Errorf("reloaded entry not consumed: %d left", len(restored.b.unresolved))
	}
}

func TestActionString(t *testing.T) {
	if got := AfterNothing.String(); got != "nothing" {
		t.Errorf("String() = %q", got)
	}
	a := AfterResched | AfterDebugBreak
	if got := a.String(); got != "resched|debug-break" {
		t.Errorf("String() = %q", got)
	}
}
