// Copyright (c) 2020, The Garble Authors.
// See LICENSE for licensing information.

package literals

import (
	"math/bits"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// feistelRounds is the number of rounds of the id mask.
const feistelRounds = 4

// idMask is a keyed 32-bit permutation. Call sites pass masked ids so that
// decoder operands are not dense small integers.
type idMask struct {
	keys  [feistelRounds]uint32
	tweak uint32
}

func newIDMask(k *Key) idMask {
	var m idMask
	for i := range m.keys {
		m.keys[i] = k.Uint32("feistel.round")
	}
	m.tweak = k.Uint32("feistel.tweak")
	return m
}

func (m idMask) mask(value uint32) uint32 {
	left := uint16(value >> 16)
	right := uint16(value)
	for i := 0; i < feistelRounds; i++ {
		f := feistelRound(right, m.tweak, m.keys[i])
		left, right = right, left^f
	}
	return uint32(left)<<16 | uint32(right)
}

func (m idMask) unmask(value uint32) uint32 {
	left := uint16(value >> 16)
	right := uint16(value)
	for round := feistelRounds - 1; round >= 0; round-- {
		f := feistelRound(left, m.tweak, m.keys[round])
		left, right = right^f, left
	}
	return uint32(left)<<16 | uint32(right)
}

func feistelRound(right uint16, tweak uint32, key uint32) uint16 {
	x := uint32(right)
	x ^= tweak
	x += key*0x9e3779b1 + 0x7f4a7c15
	x = bits.RotateLeft32(x^key, int(key&31))
	x ^= x >> 16
	return uint16(x)
}

// emitUnmask emits code that reads the masked id from argument 0 and stores
// the plain id in local dst.
func (m idMask) emitUnmask(e emitter, dst, left, right, tmp int) {
	e.OpArg(bytecode.OpLdArg, 0)
	e.st(tmp)
	e.ld(tmp)
	e.u32(16)
	e.Op(bytecode.OpShrUn)
	e.st(left)
	e.ld(tmp)
	e.u32(0xffff)
	e.Op(bytecode.OpAnd)
	e.st(right)

	for round := feistelRounds - 1; round >= 0; round-- {
		key := m.keys[round]
		// f = F(left)
		e.ld(left)
		e.u32(m.tweak)
		e.Op(bytecode.OpXor)
		e.u32(key*0x9e3779b1 + 0x7f4a7c15)
		e.Op(bytecode.OpAdd)
		e.u32(key)
		e.Op(bytecode.OpXor)
		e.rotl32(key&31, tmp)
		e.st(tmp)
		e.ld(tmp)
		e.ld(tmp)
		e.u32(16)
		e.Op(bytecode.OpShrUn)
		e.Op(bytecode.OpXor)
		e.u32(0xffff)
		e.Op(bytecode.OpAnd)
		// left, right = right^f, left
		e.ld(right)
		e.Op(bytecode.OpXor)
		e.ld(left)
		e.st(right)
		e.st(left)
	}

	e.ld(left)
	e.u32(16)
	e.Op(bytecode.OpShl)
	e.ld(right)
	e.Op(bytecode.OpOr)
	e.st(dst)
}
