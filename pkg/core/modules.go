package core

import (
	"fmt"

	"go.uber.org/zap"

	"allegrex/pkg/hle"
	"allegrex/pkg/mips"
)

// registerBuiltins installs the kernel module tables every non-bare session
// gets. Registration order is load-bearing for trap words baked into
// savestates, so new modules go at the end.
func (s *Session) registerBuiltins() {
	b := s.Bridge
	log := s.log.Named("kernel")

	b.RegisterModule(hle.Module{Name: "FakeSysCalls", Funcs: []hle.Function{
		{NID: hle.NIDIdle, Name: "_sceKernelIdle", Handler: func(b *hle.Bridge) {
			b.RequestReschedule("idle")
		}},
	}})

	b.RegisterModule(hle.Module{Name: "InterruptManager", Funcs: []hle.Function{
		{NID: hle.NIDSuspendInterrupts, Name: "sceKernelCpuSuspendIntr",
			Handler: b.Wrap(func() int {
				prev := 0
				if s.intrEnabled {
					prev = 1
				}
				s.intrEnabled = false
				return prev
			})},
		{NID: hle.NIDResumeInterrupts, Name: "sceKernelCpuResumeIntr",
			Handler: b.Wrap(func(flags uint32) int {
				s.intrEnabled = flags != 0
				if s.intrEnabled {
					b.RequestInterruptProcessing()
				}
				return 0
			})},
	}})

	b.RegisterModule(hle.Module{Name: "ThreadManForUser", Funcs: []hle.Function{
		{NID: hle.NIDFromName("sceKernelSleepThread"), Name: "sceKernelSleepThread",
			Handler: func(b *hle.Bridge) {
				b.CPU().GPR[mips.RegV0] = 0
				b.RequestReschedule("thread sleeping")
			}},
		{NID: hle.NIDFromName("sceKernelSleepThreadCB"), Name: "sceKernelSleepThreadCB",
			Handler: func(b *hle.Bridge) {
				b.CPU().GPR[mips.RegV0] = 0
				b.RequestRescheduleWithCallbacks("thread sleeping")
			}},
		{NID: hle.NIDFromName("sceKernelDelayThread"), Name: "sceKernelDelayThread",
			Handler: b.Wrap(func(micros uint32) int {
				b.RequestReschedule(fmt.Sprintf("delay %d us", micros))
				return 0
			})},
		{NID: hle.NIDFromName("sceKernelCheckCallback"), Name: "sceKernelCheckCallback",
			Handler: func(b *hle.Bridge) {
				b.CPU().GPR[mips.RegV0] = 0
				b.RequestCallbackCheck(true)
			}},
		// Known by name, not implemented yet; dispatch reports the call and
		// keeps the guest running.
		{NID: hle.NIDFromName("sceKernelWaitSemaCB"), Name: "sceKernelWaitSemaCB"},
	}})

	b.RegisterModule(hle.Module{Name: "DebugForKernel", Funcs: []hle.Function{
		{NID: hle.NIDFromName("sceKernelPrintf"), Name: "sceKernelPrintf",
			Handler: b.Wrap(func(format string) int {
				log.Info("guest printf", zap.String("text", format))
				return 0
			})},
	}})

	b.RegisterModule(hle.Module{Name: "IoFileMgrForUser", Funcs: []hle.Function{
		{NID: hle.NIDFromName("sceIoWrite"), Name: "sceIoWrite",
			Handler: b.Wrap(func(fd hle.Fd, data hle.Ptr, size uint32) int {
				const maxWrite = 4096
				n := size
				if n > maxWrite {
					n = maxWrite
				}
				buf, err := s.RAM.ReadBytes(uint32(data), n)
				if err != nil {
					log.Error("sceIoWrite bad buffer",
						zap.Uint32("addr", uint32(data)), zap.Error(err))
					return -1
				}
				log.Info("guest write",
					zap.Int32("fd", int32(fd)), zap.ByteString("data", buf))
				return int(size)
			})},
	}})
}
