package native

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var (
	ErrNoRet       = errors.New("stub does not end with ret")
	ErrInstruction = errors.New("instruction not allowed in a stub")
)

// maxStub bounds the number of instructions a stub may contain.
const maxStub = 256

// Decode disassembles a stub and checks that it only uses the EAX/ECX
// operations this package emits and ends with ret.
func Decode(code []byte, mode int) ([]x86asm.Inst, error) {
	var insts []x86asm.Inst
	for pc := 0; pc < len(code); {
		if len(insts) == maxStub {
			return nil, fmt.Errorf("stub longer than %d instructions", maxStub)
		}
		inst, err := x86asm.Decode(code[pc:], mode)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", pc, err)
		}
		if err := allowed(inst); err != nil {
			return nil, fmt.Errorf("offset %d: %w", pc, err)
		}
		insts = append(insts, inst)
		pc += inst.Len
		if inst.Op == x86asm.RET {
			if pc != len(code) {
				return nil, fmt.Errorf("offset %d: code after ret", pc)
			}
			return insts, nil
		}
	}
	return nil, ErrNoRet
}

func allowed(inst x86asm.Inst) error {
	bad := fmt.Errorf("%w: %s", ErrInstruction, x86asm.IntelSyntax(inst, 0, nil))
	args := operands(inst)
	switch inst.Op {
	case x86asm.RET:
		if len(args) != 0 {
			return bad
		}
	case x86asm.MOV:
		if len(args) != 2 || args[0] != x86asm.EAX || args[1] != x86asm.ECX {
			return bad
		}
	case x86asm.ADD, x86asm.SUB, x86asm.XOR, x86asm.ROL, x86asm.ROR:
		if len(args) != 2 || args[0] != x86asm.EAX {
			return bad
		}
		if _, ok := args[1].(x86asm.Imm); !ok {
			return bad
		}
	case x86asm.NOT, x86asm.NEG, x86asm.BSWAP:
		if len(args) != 1 || args[0] != x86asm.EAX {
			return bad
		}
	case x86asm.IMUL:
		if len(args) != 3 || args[0] != x86asm.EAX || args[1] != x86asm.EAX {
			return bad
		}
		if _, ok := args[2].(x86asm.Imm); !ok {
			return bad
		}
	default:
		return bad
	}
	return nil
}

func operands(inst x86asm.Inst) []x86asm.Arg {
	var out []x86asm.Arg
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		out = append(out, a)
	}
	return out
}

// Stub is a decoded, verified stub ready to be emulated.
type Stub struct {
	insts []x86asm.Inst
}

// Load decodes and verifies a stub.
func Load(code []byte, mode int) (*Stub, error) {
	insts, err := Decode(code, mode)
	if err != nil {
		return nil, err
	}
	return &Stub{insts: insts}, nil
}

// Call runs the stub on arg and returns EAX at ret.
func (s *Stub) Call(arg uint32) uint32 {
	var eax uint32
	ecx := arg
	for _, inst := range s.insts {
		args := operands(inst)
		imm := func(i int) uint32 { return uint32(args[i].(x86asm.Imm)) }
		switch inst.Op {
		case x86asm.MOV:
			eax = ecx
		case x86asm.ADD:
			eax += imm(1)
		case x86asm.SUB:
			eax -= imm(1)
		case x86asm.XOR:
			eax ^= imm(1)
		case x86asm.ROL:
			eax = bits.RotateLeft32(eax, int(imm(1)&31))
		case x86asm.ROR:
			eax = bits.RotateLeft32(eax, -int(imm(1)&31))
		case x86asm.NOT:
			eax = ^eax
		case x86asm.NEG:
			eax = -eax
		case x86asm.IMUL:
			eax *= imm(2)
		case x86asm.BSWAP:
			eax = bits.ReverseBytes32(eax)
		case x86asm.RET:
			return eax
		}
	}
	panic("native: verified stub without ret")
}

// Emulate loads a stub and runs it once.
func Emulate(code []byte, mode int, arg uint32) (uint32, error) {
	s, err := Load(code, mode)
	if err != nil {
		return 0, err
	}
	return s.Call(arg), nil
}

// Disassemble renders a stub in Intel syntax, one instruction per line.
func Disassemble(code []byte, mode int) (string, error) {
	insts, err := Decode(code, mode)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	pc := uint64(0)
	for _, inst := range insts {
		fmt.Fprintf(&sb, "%04x  %s\n", pc, x86asm.IntelSyntax(inst, pc, nil))
		pc += uint64(inst.Len)
	}
	return sb.String(), nil
}
