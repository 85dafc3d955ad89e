// Package native generates, checks and emulates the small x86 stubs used by
// the x86 constant encoding. A stub computes a random invertible function of
// one 32-bit word: the argument arrives in ECX and the result is left in EAX.
// Every encoding emitted here is REX-free, so a stub decodes identically in
// 32-bit and 64-bit mode.
package native

import (
	"fmt"
	"math/bits"
	mathrand "math/rand"
)

// OpKind is one EAX-only operation of a stub.
type OpKind uint8

const (
	OpAdd OpKind = iota
	OpSub
	OpXor
	OpRol
	OpRor
	OpNot
	OpNeg
	OpImul
	OpBswap
	opCount
)

var opNames = [...]string{"add", "sub", "xor", "rol", "ror", "not", "neg", "imul", "bswap"}

func (k OpKind) String() string {
	if k < opCount {
		return opNames[k]
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// Step is one operation applied to EAX. Imm is ignored by not, neg and bswap
// and masked to 1..31 for rotates.
type Step struct {
	Op  OpKind
	Imm uint32
}

// Expr is a sequence of invertible steps.
type Expr []Step

// Generate returns a random expression of n steps. Multipliers are always
// odd and rotates never zero, so every step is a bijection.
func Generate(rnd *mathrand.Rand, n int) Expr {
	e := make(Expr, n)
	for i := range e {
		op := OpKind(rnd.Intn(int(opCount)))
		imm := rnd.Uint32()
		switch op {
		case OpRol, OpRor:
			imm = 1 + imm%31
		case OpImul:
			imm |= 1
		case OpNot, OpNeg, OpBswap:
			imm = 0
		}
		e[i] = Step{Op: op, Imm: imm}
	}
	return e
}

// Eval applies the expression to x, as the assembled stub does.
func (e Expr) Eval(x uint32) uint32 {
	for _, s := range e {
		x = s.apply(x)
	}
	return x
}

// Invert returns the x for which Eval(x) == y.
func (e Expr) Invert(y uint32) uint32 {
	for i := len(e) - 1; i >= 0; i-- {
		y = e[i].undo(y)
	}
	return y
}

func (s Step) apply(x uint32) uint32 {
	switch s.Op {
	case OpAdd:
		return x + s.Imm
	case OpSub:
		return x - s.Imm
	case OpXor:
		return x ^ s.Imm
	case OpRol:
		return bits.RotateLeft32(x, int(s.Imm&31))
	case OpRor:
		return bits.RotateLeft32(x, -int(s.Imm&31))
	case OpNot:
		return ^x
	case OpNeg:
		return -x
	case OpImul:
		return x * s.Imm
	case OpBswap:
		return bits.ReverseBytes32(x)
	}
	panic(fmt.Sprintf("native: unknown op %d", s.Op))
}

func (s Step) undo(y uint32) uint32 {
	switch s.Op {
	case OpAdd:
		return y - s.Imm
	case OpSub:
		return y + s.Imm
	case OpRol:
		return bits.RotateLeft32(y, -int(s.Imm&31))
	case OpRor:
		return bits.RotateLeft32(y, int(s.Imm&31))
	case OpImul:
		return y * modInverse(s.Imm)
	}
	// xor, not, neg and bswap are involutions
	return s.apply(y)
}

// modInverse returns the multiplicative inverse of an odd a modulo 2^32.
func modInverse(a uint32) uint32 {
	inv := a // correct to 3 bits for odd a
	for range 5 {
		inv *= 2 - a*inv
	}
	return inv
}

// Assemble encodes the expression as a stub.
func (e Expr) Assemble() []byte {
	code := []byte{0x89, 0xC8} // mov eax, ecx
	imm32 := func(op byte, imm uint32) {
		code = append(code, op, byte(imm), byte(imm>>8), byte(imm>>16), byte(imm>>24))
	}
	for _, s := range e {
		switch s.Op {
		case OpAdd:
			imm32(0x05, s.Imm)
		case OpSub:
			imm32(0x2D, s.Imm)
		case OpXor:
			imm32(0x35, s.Imm)
		case OpRol:
			code = append(code, 0xC1, 0xC0, byte(s.Imm&31))
		case OpRor:
			code = append(code, 0xC1, 0xC8, byte(s.Imm&31))
		case OpNot:
			code = append(code, 0xF7, 0xD0)
		case OpNeg:
			code = append(code, 0xF7, 0xD8)
		case OpImul:
			code = append(code, 0x69, 0xC0)
			code = append(code, byte(s.Imm), byte(s.Imm>>8), byte(s.Imm>>16), byte(s.Imm>>24))
		case OpBswap:
			code = append(code, 0x0F, 0xC8)
		}
	}
	return append(code, 0xC3) // ret
}
