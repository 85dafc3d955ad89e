package interp

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/native"
	"github.com/AeonDave/constprot/internal/sample"
)

func mustParse(t *testing.T, src string) *bytecode.Module {
	t.Helper()
	m, err := bytecode.Parse([]byte(src))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(bytecode.Verify(m)))
	return m
}

func TestRunSample(t *testing.T) {
	m, err := sample.Module()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(bytecode.Verify(m)))

	var out bytes.Buffer
	code, err := New(m, &out).Run()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(out.String(), sample.Output))
	qt.Assert(t, qt.Equals(code, sample.ExitCode))
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bytecode.Value
	}{
		{"i4 wrap", "ldc.i4 2147483647\n ldc.i4 1\n add", bytecode.I4(-2147483648)},
		{"i4 shr signed", "ldc.i4 -8\n ldc.i4 1\n shr", bytecode.I4(-4)},
		{"i4 shr unsigned", "ldc.i4 -1\n ldc.i4 28\n shr.un", bytecode.I4(15)},
		{"i8 mul", "ldc.i8 4294967296\n ldc.i8 3\n mul", bytecode.I8(12884901888)},
		{"r8 div", "ldc.r8 1\n ldc.r8 4\n div", bytecode.R8(0.25)},
		{"r4 neg zero", "ldc.r4 0\n neg", bytecode.R4Bits(0x80000000)},
		{"char promotes", "ldc.char 'a'\n ldc.i4 1\n add", bytecode.I4('b')},
		{"conv u1", "ldc.i4 511\n conv.u1", bytecode.U1(0xff)},
		{"clt.un", "ldc.i4 -1\n ldc.i4 1\n clt.un", bytecode.Bool(false)},
		{"ceq strings", "ldstr \"a\"\n ldstr \"a\"\n ceq", bytecode.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParse(t, "-- main --\nreturns "+tt.want.Kind.String()+"\n "+tt.body+"\n ret\n")
			got, err := New(m, nil).Call(0)
			qt.Assert(t, qt.IsNil(err))
			if !got.Equal(tt.want) {
				t.Fatalf("got %s (%#x), want %s (%#x)", got.Literal(), got.Bits, tt.want.Literal(), tt.want.Bits)
			}
		})
	}
}

func TestDataSegments(t *testing.T) {
	m := mustParse(t, `data blob 2a000000ffffffff
-- main --
returns i4
    lddata blob
    ldc.i4 4
    frombytes i4
    lddata blob
    ldc.i4 0
    frombytes i4
    add
    ret
-- write --
    lddata blob
    ldc.i4 0
    ldc.i4 1
    tobytes u1
    ret
`)
	mach := New(m, nil)
	got, err := mach.Call(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got.Int(), int64(41)))

	_, err = mach.Call(1)
	qt.Assert(t, qt.ErrorIs(err, ErrReadOnly))
}

func TestArrFromBytesIsFresh(t *testing.T) {
	m := mustParse(t, `data blob 0100000002000000
-- main --
returns bool
    lddata blob
    arrfrombytes i4
    lddata blob
    arrfrombytes i4
    ceq
    ret
`)
	got, err := New(m, nil).Call(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got.Truthy(), false))
}

func TestCallNative(t *testing.T) {
	e := native.Expr{{Op: native.OpAdd, Imm: 5}, {Op: native.OpRol, Imm: 3}}
	src := fmt.Sprintf("target linux/amd64\nnative stub amd64 %x\n-- main --\nreturns i4\n ldc.i4 10\n callnative stub\n ret\n", e.Assemble())
	m := mustParse(t, src)
	got, err := New(m, nil).Call(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(uint32(got.Bits), e.Eval(10)))

	m.Target.Arch = "386"
	_, err = New(m, nil).Call(0)
	qt.Assert(t, qt.ErrorMatches(err, `.*built for amd64.*`))
}

func TestFailures(t *testing.T) {
	tests := []struct {
		name string
		src  string
		opts []Option
		want error
	}{
		{"trap", "-- main --\n trap\n", nil, ErrTrap},
		{"divide", "-- main --\n ldc.i4 1\n ldc.i4 0\n div\n exit\n", nil, ErrDivide},
		{"steps", "-- main --\nL:\n br L\n", []Option{WithStepLimit(100)}, ErrStepLimit},
		{"depth", "-- main --\n call main\n ret\n", []Option{WithDepthLimit(10)}, ErrDepth},
		{"bounds", "-- main --\n ldc.i4 1\n newarr u1\n ldc.i4 1\n ldelem\n exit\n", nil, ErrBounds},
		{"initarr size", "-- main --\n ldc.i4 2\n newarr i4\n initarr 01\n ret\n", nil, ErrType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParse(t, tt.src)
			_, err := New(m, nil, tt.opts...).Run()
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExitFromNestedCall(t *testing.T) {
	m := mustParse(t, "-- main --\n call quit\n ldc.i4 1\n exit\n-- quit --\n ldstr \"bye\"\n print\n ldc.i4 7\n exit\n")
	var out strings.Builder
	code, err := New(m, &out).Run()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(code, 7))
	qt.Assert(t, qt.Equals(out.String(), "bye\n"))
}
