package native

import (
	"errors"
	mathrand "math/rand"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/AeonDave/constprot/internal/bytecode"
)

func TestExprInvert(t *testing.T) {
	rnd := mathrand.New(mathrand.NewSource(1))
	for i := 0; i < 200; i++ {
		e := Generate(rnd, 3+rnd.Intn(8))
		x := rnd.Uint32()
		if got := e.Invert(e.Eval(x)); got != x {
			t.Fatalf("expr %v: Invert(Eval(%#x)) = %#x", e, x, got)
		}
		if got := e.Eval(e.Invert(x)); got != x {
			t.Fatalf("expr %v: Eval(Invert(%#x)) = %#x", e, x, got)
		}
	}
}

func TestModInverse(t *testing.T) {
	for _, a := range []uint32{1, 3, 0x9e3779b1, 0xffffffff, 12345677} {
		qt.Assert(t, qt.Equals(a*modInverse(a), uint32(1)))
	}
}

func TestEmulateMatchesEval(t *testing.T) {
	rnd := mathrand.New(mathrand.NewSource(7))
	for _, mode := range []int{32, 64} {
		for i := 0; i < 100; i++ {
			e := Generate(rnd, 1+rnd.Intn(9))
			code := e.Assemble()
			x := rnd.Uint32()
			got, err := Emulate(code, mode, x)
			qt.Assert(t, qt.IsNil(err))
			if want := e.Eval(x); got != want {
				dis, _ := Disassemble(code, mode)
				t.Fatalf("mode %d: emulated %#x, want %#x\n%s", mode, got, want, dis)
			}
		}
	}
}

func TestEveryOpDecodes(t *testing.T) {
	var e Expr
	for op := OpKind(0); op < opCount; op++ {
		e = append(e, Step{Op: op, Imm: 5})
	}
	dis, err := Disassemble(e.Assemble(), 64)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.StringContains(dis, "bswap"))
	qt.Assert(t, qt.StringContains(dis, "imul"))
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want error
	}{
		{"no ret", []byte{0x89, 0xC8}, ErrNoRet},
		{"other register", []byte{0x89, 0xD8, 0xC3}, ErrInstruction}, // mov eax, ebx
		{"memory access", []byte{0x8B, 0x01, 0xC3}, ErrInstruction},  // mov eax, [ecx]
		{"syscall", []byte{0x0F, 0x05, 0xC3}, ErrInstruction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.code, 64)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCheckTarget(t *testing.T) {
	qt.Assert(t, qt.IsNil(CheckTarget(bytecode.Target{OS: "linux", Arch: "amd64"})))
	qt.Assert(t, qt.IsNil(CheckTarget(bytecode.Target{OS: "windows", Arch: "386"})))
	qt.Assert(t, qt.ErrorIs(CheckTarget(bytecode.Target{OS: "linux", Arch: "arm64"}), ErrUnsupportedTarget))
	qt.Assert(t, qt.ErrorIs(CheckTarget(bytecode.Target{OS: "plan9", Arch: "amd64"}), ErrUnsupportedTarget))
}
