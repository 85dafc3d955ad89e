package bytecode

import (
	"errors"
	"fmt"
)

// VerifyError locates a verification failure.
type VerifyError struct {
	Routine string
	Index   int
	Err     error
}

func (e *VerifyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("routine %s: %v", e.Routine, e.Err)
	}
	return fmt.Sprintf("routine %s: instr %d: %v", e.Routine, e.Index, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

var (
	errFallOff   = errors.New("control falls off the end of the body")
	errUnderflow = errors.New("stack underflow")
	errMismatch  = errors.New("inconsistent stack depth at join")
)

// Verify checks every routine of m: operand bounds, branch targets and a
// consistent stack depth at every reachable instruction.
func Verify(m *Module) error {
	if err := CheckFormat(m.Format); err != nil {
		return err
	}
	if m.Entry < 0 || m.Entry >= len(m.Routines) {
		return fmt.Errorf("entry routine %d out of range", m.Entry)
	}
	if m.Routines[m.Entry].Params != 0 {
		return fmt.Errorf("entry routine %s takes parameters", m.Routines[m.Entry].Name)
	}
	seen := make(map[string]bool, len(m.Routines))
	for _, r := range m.Routines {
		if seen[r.Name] {
			return fmt.Errorf("duplicate routine %s", r.Name)
		}
		seen[r.Name] = true
		if _, err := StackDepths(m, r); err != nil {
			return err
		}
	}
	return nil
}

// StackDepths returns the operand stack depth on entry to every instruction
// of r, or -1 for unreachable instructions.
func StackDepths(m *Module, r *Routine) ([]int, error) {
	fail := func(i int, err error) ([]int, error) {
		return nil, &VerifyError{Routine: r.Name, Index: i, Err: err}
	}
	if len(r.Body) == 0 {
		return fail(-1, errFallOff)
	}
	for i, in := range r.Body {
		if err := checkOperand(m, r, in); err != nil {
			return fail(i, err)
		}
	}

	depth := make([]int, len(r.Body))
	for i := range depth {
		depth[i] = -1
	}
	depth[0] = 0
	work := []int{0}
	visit := func(to, d int) error {
		if to >= len(r.Body) {
			return errFallOff
		}
		switch depth[to] {
		case -1:
			depth[to] = d
			work = append(work, to)
		case d:
		default:
			return fmt.Errorf("%w: instr %d has %d and %d", errMismatch, to, depth[to], d)
		}
		return nil
	}
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		in := r.Body[i]
		pop, push, err := m.Effect(r, in)
		if err != nil {
			return fail(i, err)
		}
		d := depth[i]
		if d < pop {
			return fail(i, errUnderflow)
		}
		if in.Op == OpRet && d != pop {
			return fail(i, fmt.Errorf("ret with %d values on the stack", d))
		}
		d = d - pop + push
		switch in.Op {
		case OpBr, OpBrTrue, OpBrFalse:
			if err := visit(in.Arg, d); err != nil {
				return fail(i, err)
			}
		case OpSwitch:
			for _, t := range in.Targets {
				if err := visit(t, d); err != nil {
					return fail(i, err)
				}
			}
		}
		if !in.Op.EndsFlow() {
			if err := visit(i+1, d); err != nil {
				return fail(i, err)
			}
		}
	}
	return depth, nil
}

func checkOperand(m *Module, r *Routine, in Instr) error {
	info := in.Op.Info()
	if !in.Op.Valid() {
		return fmt.Errorf("invalid opcode %#02x", byte(in.Op))
	}
	inRange := func(what string, n, limit int) error {
		if n < 0 || n >= limit {
			return fmt.Errorf("%s %s %d out of range", info.Name, what, n)
		}
		return nil
	}
	switch info.Operand {
	case OperandValue:
		if k, ok := in.Op.LiteralKind(); ok && in.Value.Kind != k {
			return fmt.Errorf("%s carries a %s operand", info.Name, in.Value.Kind)
		}
	case OperandArg:
		return inRange("argument", in.Arg, r.Params)
	case OperandLocal:
		return inRange("local", in.Arg, r.Locals)
	case OperandLabel:
		return inRange("target", in.Arg, len(r.Body))
	case OperandLabels:
		for _, t := range in.Targets {
			if err := inRange("target", t, len(r.Body)); err != nil {
				return err
			}
		}
	case OperandRoutine:
		return inRange("routine", in.Arg, len(m.Routines))
	case OperandNative:
		return inRange("native", in.Arg, len(m.Natives))
	case OperandSegment:
		return inRange("segment", in.Arg, len(m.Data))
	case OperandKind:
		if k := Kind(in.Arg); !k.Scalar() {
			return fmt.Errorf("%s of non-scalar kind %s", info.Name, k)
		}
	}
	return nil
}
