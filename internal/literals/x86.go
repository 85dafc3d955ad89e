package literals

import (
	"encoding/binary"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/native"
)

const (
	minStubOps = 4
	maxStubOps = 9
)

// x86 stores payloads as 32-bit words w' = f⁻¹(w ^ ks) where f is a random
// invertible x86 expression. The decoder recovers w by running f through
// callnative and removing the keystream.
type x86 struct {
	stream   uint32
	mul, inc uint32
	expr     native.Expr
	arch     string
}

var _ Strategy = (*x86)(nil)

func newX86(k *Key, target bytecode.Target) (Strategy, error) {
	if err := native.CheckTarget(target); err != nil {
		return nil, err
	}
	rand := k.Rand("x86")
	return &x86{
		stream: k.Uint32("stream"),
		mul:    rand.Uint32()&^3 | 1,
		inc:    rand.Uint32() | 1,
		expr:   native.Generate(rand, minStubOps+rand.Intn(maxStubOps-minStubOps+1)),
		arch:   target.Arch,
	}, nil
}

func (*x86) Mode() Mode { return ModeX86 }

func (*x86) storedLen(n int) int { return (n + 3) &^ 3 }

func (s *x86) encode(id uint32, plain []byte) []byte {
	out := make([]byte, s.storedLen(len(plain)))
	copy(out, plain)
	ks := s.stream ^ id*entryMix
	for j := 0; j < len(out); j += 4 {
		ks = ks*s.mul + s.inc
		w := binary.LittleEndian.Uint32(out[j:])
		binary.LittleEndian.PutUint32(out[j:], s.expr.Invert(w^ks))
	}
	return out
}

func (s *x86) decode(id uint32, stored []byte, n int) []byte {
	out := make([]byte, len(stored))
	ks := s.stream ^ id*entryMix
	for j := 0; j < len(stored); j += 4 {
		ks = ks*s.mul + s.inc
		w := binary.LittleEndian.Uint32(stored[j:])
		binary.LittleEndian.PutUint32(out[j:], s.expr.Eval(w)^ks)
	}
	return out[:n]
}

func (s *x86) emitDecode(e emitter, f *frame) {
	e.keystreamSeed(f.ks, f.id, s.stream)
	// words = (n + 3) &^ 3 bytes, decoded into a scratch buffer first
	e.ld(f.n)
	e.u32(3)
	e.Op(bytecode.OpAdd)
	e.u32(^uint32(3))
	e.Op(bytecode.OpAnd)
	e.st(f.padded)
	e.ld(f.padded)
	e.OpArg(bytecode.OpNewArr, int(bytecode.KindU1))
	e.st(f.scratch)
	e.countedLoop(f.i, f.padded, 4, func() {
		e.lcgStep(f.ks, s.mul, s.inc)
		e.ld(f.scratch)
		e.ld(f.i)
		e.ld(f.blob)
		e.ld(f.off)
		e.ld(f.i)
		e.Op(bytecode.OpAdd)
		e.OpArg(bytecode.OpFromBytes, int(bytecode.KindI4))
		e.OpArg(bytecode.OpCallNative, f.native)
		e.ld(f.ks)
		e.Op(bytecode.OpXor)
		e.OpArg(bytecode.OpToBytes, int(bytecode.KindI4))
	})
	e.countedLoop(f.i, f.n, 1, func() {
		e.ld(f.out)
		e.ld(f.i)
		e.ld(f.scratch)
		e.ld(f.i)
		e.OpArg(bytecode.OpFromBytes, int(bytecode.KindU1))
		e.OpArg(bytecode.OpToBytes, int(bytecode.KindU1))
	})
}

func (s *x86) natives() []bytecode.Native {
	return []bytecode.Native{{Arch: s.arch, Code: s.expr.Assemble()}}
}
