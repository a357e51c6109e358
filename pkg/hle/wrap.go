package hle

import (
	"reflect"

	"github.com/lunixbochs/argjoy"
	"go.uber.org/zap"

	"allegrex/pkg/mips"
)

// Argument types handlers may declare. Plain integer parameters are
// converted straight from the argument registers; these add meaning on top.
type (
	// Ptr is a raw guest address the handler will interpret itself.
	Ptr uint32
	// Fd is a descriptor-like small integer.
	Fd int32
)

const maxStringArg = 256

// number of arguments passed in registers a0-a3, t0-t3 before the
// convention spills to the stack at sp+16.
const regArgCount = 8

func (b *Bridge) initArgjoy() {
	b.aj.Register(b.regArgCodec)
	b.aj.Register(argjoy.IntToInt)
}

func (b *Bridge) regArgCodec(arg interface{}, vals []interface{}) error {
	if reg, ok := vals[0].(uint64); ok {
		switch v := arg.(type) {
		case *Ptr:
			*v = Ptr(reg)
		case *Fd:
			*v = Fd(int32(reg))
		case *string:
			s, err := b.mem.ReadCString(uint32(reg), maxStringArg)
			if err != nil {
				return err
			}
			*v = s
		default:
			return argjoy.NoMatch
		}
		return nil
	}
	return argjoy.NoMatch
}

// callArg fetches guest argument i under the o32-flavored kernel call
// convention: eight register arguments, then the stack.
func (b *Bridge) callArg(i int) uint32 {
	if i < regArgCount {
		return b.cpu.GPR[mips.RegA0+i]
	}
	addr := b.cpu.GPR[mips.RegSP] + 16 + uint32(i-regArgCount)*4
	v, err := b.mem.Read32(addr)
	if err != nil {
		b.log.Error("stack argument read failed",
			zap.Int("arg", i), zap.Error(err))
		return 0
	}
	return v
}

// Wrap adapts a typed Go function into a Handler. Parameters are filled
// from the guest argument registers and stack; a single integer return goes
// to v0, with 64-bit values split across v0/v1. Wrap panics on a
// non-function, that is a static table definition error, not a guest one.
func (b *Bridge) Wrap(fn interface{}) Handler {
	fnv := reflect.ValueOf(fn)
	fnt := fnv.Type()
	if fnt.Kind() != reflect.Func {
		panic("hle.Wrap: not a function")
	}
	in := make([]reflect.Type, fnt.NumIn())
	for i := range in {
		in[i] = fnt.In(i)
	}

	return func(b *Bridge) {
		args := make([]uint64, len(in))
		for i := range args {
			args[i] = uint64(b.callArg(i))
		}
		converted, err := b.aj.Convert(in, false, args)
		if err != nil {
			b.log.Error("syscall argument conversion failed", zap.Error(err))
			return
		}
		out := fnv.Call(converted)
		if len(out) == 0 {
			return
		}
		b.setReturn(out[0])
	}
}

func (b *Bridge) setReturn(rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Uint64:
		v := rv.Uint()
		b.cpu.GPR[mips.RegV0] = uint32(v)
		b.cpu.GPR[mips.RegV1] = uint32(v >> 32)
	case reflect.Int64:
		v := uint64(rv.Int())
		b.cpu.GPR[mips.RegV0] = uint32(v)
		b.cpu.GPR[mips.RegV1] = uint32(v >> 32)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		b.cpu.GPR[mips.RegV0] = uint32(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		b.cpu.GPR[mips.RegV0] = uint32(rv.Uint())
	case reflect.Bool:
		if rv.Bool() {
			b.cpu.GPR[mips.RegV0] = 1
		} else {
			b.cpu.GPR[mips.RegV0] = 0
		}
	default:
		b.log.Error("unsupported handler return type",
			zap.String("type", rv.Type().String()))
	}
}
