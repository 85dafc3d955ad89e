package literals

import "github.com/AeonDave/constprot/internal/bytecode"

// Numerical Recipes LCG constants used by the normal mode keystream.
const (
	lcgMul = 1664525
	lcgInc = 1013904223
)

// normal XORs every payload byte with the top byte of a per-entry LCG.
type normal struct {
	stream uint32
}

var _ Strategy = (*normal)(nil)

func newNormal(k *Key, _ bytecode.Target) (Strategy, error) {
	return &normal{stream: k.Uint32("stream")}, nil
}

func (*normal) Mode() Mode { return ModeNormal }

func (*normal) storedLen(n int) int { return n }

func (s *normal) encode(id uint32, plain []byte) []byte {
	out := make([]byte, len(plain))
	ks := s.stream ^ id*entryMix
	for i, b := range plain {
		ks = ks*lcgMul + lcgInc
		out[i] = b ^ byte(ks>>24)
	}
	return out
}

func (s *normal) decode(id uint32, stored []byte, n int) []byte {
	return s.encode(id, stored[:n])
}

func (s *normal) emitDecode(e emitter, f *frame) {
	e.keystreamSeed(f.ks, f.id, s.stream)
	e.countedLoop(f.i, f.n, 1, func() {
		e.lcgStep(f.ks, lcgMul, lcgInc)
		e.ld(f.out)
		e.ld(f.i)
		f.loadStoredByte(e)
		e.ld(f.ks)
		e.u32(24)
		e.Op(bytecode.OpShrUn)
		e.Op(bytecode.OpXor)
		e.OpArg(bytecode.OpToBytes, int(bytecode.KindU1))
	})
}

func (*normal) natives() []bytecode.Native { return nil }
