package literals

import "github.com/AeonDave/constprot/internal/bytecode"

// emitter adds shorthands for the i4 arithmetic generated decoders are made
// of. All i4 values are treated as raw 32-bit words.
type emitter struct {
	*bytecode.Builder
}

func (e emitter) u32(v uint32) { e.Const(bytecode.I4(int32(v))) }
func (e emitter) ld(local int) { e.OpArg(bytecode.OpLdLoc, local) }
func (e emitter) st(local int) { e.OpArg(bytecode.OpStLoc, local) }

// rotl32 rotates the word on top of the stack left by r, using tmp.
func (e emitter) rotl32(r uint32, tmp int) {
	r &= 31
	if r == 0 {
		return
	}
	e.st(tmp)
	e.ld(tmp)
	e.u32(r)
	e.Op(bytecode.OpShl)
	e.ld(tmp)
	e.u32(32 - r)
	e.Op(bytecode.OpShrUn)
	e.Op(bytecode.OpOr)
}

// rotl8 rotates the byte on top of the stack left by r, using tmp. The
// input must be in 0..255; so is the result.
func (e emitter) rotl8(r uint8, tmp int) {
	r &= 7
	if r == 0 {
		return
	}
	e.st(tmp)
	e.ld(tmp)
	e.u32(uint32(r))
	e.Op(bytecode.OpShl)
	e.ld(tmp)
	e.u32(uint32(8 - r))
	e.Op(bytecode.OpShrUn)
	e.Op(bytecode.OpOr)
	e.u32(0xff)
	e.Op(bytecode.OpAnd)
}

// lcgStep emits s = s*mul + inc.
func (e emitter) lcgStep(s int, mul, inc uint32) {
	e.ld(s)
	e.u32(mul)
	e.Op(bytecode.OpMul)
	e.u32(inc)
	e.Op(bytecode.OpAdd)
	e.st(s)
}

// keystreamSeed emits s = stream ^ id*0x9E3779B1.
func (e emitter) keystreamSeed(s, id int, stream uint32) {
	e.u32(stream)
	e.ld(id)
	e.u32(entryMix)
	e.Op(bytecode.OpMul)
	e.Op(bytecode.OpXor)
	e.st(s)
}

// countedLoop emits "for i := 0; i < limit; i += step { body() }" where
// limit is a local.
func (e emitter) countedLoop(i, limit int, step uint32, body func()) {
	top, done := e.NewLabel(), e.NewLabel()
	e.u32(0)
	e.st(i)
	e.Mark(top)
	e.ld(i)
	e.ld(limit)
	e.Op(bytecode.OpClt)
	e.Jump(bytecode.OpBrFalse, done)
	body()
	e.ld(i)
	e.u32(step)
	e.Op(bytecode.OpAdd)
	e.st(i)
	e.Jump(bytecode.OpBr, top)
	e.Mark(done)
}
