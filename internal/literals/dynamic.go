// Copyright (c) 2020, The Garble Authors.
// See LICENSE for licensing information.

package literals

import (
	"fmt"
	"math/bits"
	mathrand "math/rand"

	"github.com/AeonDave/constprot/internal/bytecode"
)

type byteOpKind uint8

const (
	byteXor byteOpKind = iota
	byteAdd
	byteSub
	byteRol
	byteNot
	bytePosAdd // b + i*k, where i is the byte position
	numByteOps
)

type byteOp struct {
	kind byteOpKind
	k    uint8
}

func randByteOp(rand *mathrand.Rand) byteOp {
	op := byteOp{kind: byteOpKind(rand.Intn(int(numByteOps))), k: uint8(1 + rand.Intn(255))}
	if op.kind == byteRol {
		op.k = uint8(1 + rand.Intn(7))
	}
	return op
}

func (op byteOp) apply(b byte, i int) byte {
	switch op.kind {
	case byteXor:
		return b ^ op.k
	case byteAdd:
		return b + op.k
	case byteSub:
		return b - op.k
	case byteRol:
		return bits.RotateLeft8(b, int(op.k))
	case byteNot:
		return ^b
	case bytePosAdd:
		return b + byte(i)*op.k
	}
	panic(fmt.Sprintf("unknown byte op: %d", op.kind))
}

func (op byteOp) undo(b byte, i int) byte {
	switch op.kind {
	case byteXor:
		return b ^ op.k
	case byteAdd:
		return b - op.k
	case byteSub:
		return b + op.k
	case byteRol:
		return bits.RotateLeft8(b, -int(op.k))
	case byteNot:
		return ^b
	case bytePosAdd:
		return b - byte(i)*op.k
	}
	panic(fmt.Sprintf("unknown byte op: %d", op.kind))
}

// emitUndo emits the inverse of op on the byte on top of the stack.
func (op byteOp) emitUndo(e emitter, f *frame) {
	switch op.kind {
	case byteXor:
		e.u32(uint32(op.k))
		e.Op(bytecode.OpXor)
		return
	case byteAdd:
		e.u32(uint32(op.k))
		e.Op(bytecode.OpSub)
	case byteSub:
		e.u32(uint32(op.k))
		e.Op(bytecode.OpAdd)
	case byteRol:
		e.rotl8(8-op.k, f.tmp)
		return
	case byteNot:
		e.u32(0xff)
		e.Op(bytecode.OpXor)
		return
	case bytePosAdd:
		e.ld(f.i)
		e.u32(uint32(op.k))
		e.Op(bytecode.OpMul)
		e.Op(bytecode.OpSub)
	}
	e.u32(0xff)
	e.Op(bytecode.OpAnd)
}

// dynamic re-draws the keystream generator and adds a random chain of byte
// operations for every build, so no two builds share a decoder.
type dynamic struct {
	stream   uint32
	mul, inc uint32
	chain    []byteOp
}

var _ Strategy = (*dynamic)(nil)

const (
	minChain = 3
	maxChain = 8
)

func newDynamic(k *Key, _ bytecode.Target) (Strategy, error) {
	rand := k.Rand("dynamic")
	s := &dynamic{
		stream: k.Uint32("stream"),
		// mul = 1 mod 4 and an odd increment give the LCG a full period.
		mul: rand.Uint32()&^3 | 1,
		inc: rand.Uint32() | 1,
	}
	n := minChain + rand.Intn(maxChain-minChain+1)
	for range n {
		s.chain = append(s.chain, randByteOp(rand))
	}
	return s, nil
}

func (*dynamic) Mode() Mode { return ModeDynamic }

func (*dynamic) storedLen(n int) int { return n }

func (s *dynamic) encode(id uint32, plain []byte) []byte {
	out := make([]byte, len(plain))
	ks := s.stream ^ id*entryMix
	for i, b := range plain {
		ks = ks*s.mul + s.inc
		b ^= byte(ks >> 24)
		for _, op := range s.chain {
			b = op.apply(b, i)
		}
		out[i] = b
	}
	return out
}

func (s *dynamic) decode(id uint32, stored []byte, n int) []byte {
	out := make([]byte, n)
	ks := s.stream ^ id*entryMix
	for i, b := range stored[:n] {
		ks = ks*s.mul + s.inc
		for j := len(s.chain) - 1; j >= 0; j-- {
			b = s.chain[j].undo(b, i)
		}
		out[i] = b ^ byte(ks>>24)
	}
	return out
}

func (s *dynamic) emitDecode(e emitter, f *frame) {
	e.keystreamSeed(f.ks, f.id, s.stream)
	e.countedLoop(f.i, f.n, 1, func() {
		e.lcgStep(f.ks, s.mul, s.inc)
		e.ld(f.out)
		e.ld(f.i)
		f.loadStoredByte(e)
		for j := len(s.chain) - 1; j >= 0; j-- {
			s.chain[j].emitUndo(e, f)
		}
		e.ld(f.ks)
		e.u32(24)
		e.Op(bytecode.OpShrUn)
		e.Op(bytecode.OpXor)
		e.OpArg(bytecode.OpToBytes, int(bytecode.KindU1))
	})
}

func (*dynamic) natives() []bytecode.Native { return nil }
