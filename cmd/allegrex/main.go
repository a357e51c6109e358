package main

import (
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"allegrex/pkg/core"
	"allegrex/pkg/hle"
	"allegrex/pkg/mips"
)

// The demo program is assembled in place of a loaded executable: it prints
// through the kernel, sleeps, and hits a breakpoint.
func buildDemo(s *core.Session) error {
	const (
		strAddr    = core.DefaultTextBase + 0x2000
		printfStub = core.DefaultTextBase + 0x100
		sleepStub  = core.DefaultTextBase + 0x108
		greeting   = "hello from the guest"
	)

	for i, c := range append([]byte(greeting), 0) {
		if err := s.RAM.Write8(strAddr+uint32(i), c); err != nil {
			return err
		}
	}
	if err := s.PatchImport("DebugForKernel",
		hle.NIDFromName("sceKernelPrintf"), printfStub); err != nil {
		return err
	}
	if err := s.PatchImport("ThreadManForUser",
		hle.NIDFromName("sceKernelSleepThread"), sleepStub); err != nil {
		return err
	}

	return s.LoadProgram(core.DefaultTextBase+0x400, []uint32{
		mips.LUI(mips.RegA0, uint16(strAddr>>16)),
		mips.ORI(mips.RegA0, mips.RegA0, uint16(strAddr&0xFFFF)),
		mips.JAL(printfStub),
		mips.Nop,
		mips.JAL(sleepStub),
		mips.Nop,
		mips.Break,
	})
}

func main() {
	backend := flag.String("backend", "", "execution backend: jit, interp, or empty for auto")
	budget := flag.Int("budget", 1_000_000, "instruction budget per run slice")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg := zap.NewDevelopmentConfig()
	if !*verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	s, err := core.NewSession(core.Options{
		Logger:  logger,
		Backend: core.Backend(*backend),
	})
	if err != nil {
		log.Fatalf("starting session: %v", err)
	}
	defer s.Shutdown()

	if err := buildDemo(s); err != nil {
		log.Fatalf("assembling demo program: %v", err)
	}
	if err := s.Run(int32(*budget)); err != nil {
		log.Fatalf("running guest: %v", err)
	}

	resched, callbacks, interrupts := s.SchedulerCounts()
	fmt.Printf("backend:    %s\n", s.BackendName())
	fmt.Printf("pc:         0x%08x\n", s.CPU.PC)
	fmt.Printf("v0:         0x%08x\n", s.CPU.GPR[mips.RegV0])
	fmt.Printf("reschedules=%d callbacks=%d interrupts=%d\n",
		resched, callbacks, interrupts)
	if st := s.JITStats(); st.Blocks > 0 {
		fmt.Printf("jit:        %d blocks, %d code bytes\n", st.Blocks, st.CodeBytes)
	}
}
