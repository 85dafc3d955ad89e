// Package interp executes bytecode modules. It is the reference semantics the
// protections are checked against: a protected module must produce the same
// output and exit code as its input under this interpreter.
package interp

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/native"
)

var (
	ErrTrap      = errors.New("trap")
	ErrStepLimit = errors.New("step limit exceeded")
	ErrDepth     = errors.New("call depth limit exceeded")
	ErrType      = errors.New("type mismatch")
	ErrBounds    = errors.New("index out of range")
	ErrDivide    = errors.New("division by zero")
	ErrReadOnly  = errors.New("write to read-only data")
)

const (
	DefaultSteps = 50_000_000
	DefaultDepth = 256
)

// RuntimeError locates a failure inside the executing program.
type RuntimeError struct {
	Routine string
	Index   int
	Op      bytecode.Opcode
	Err     error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s+%d (%s): %v", e.Routine, e.Index, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

// Machine executes the routines of one module. It is not safe for concurrent
// use.
type Machine struct {
	mod   *bytecode.Module
	out   io.Writer
	steps int
	depth int

	maxSteps int
	maxDepth int

	segments map[int]*bytecode.Array
	readOnly map[*bytecode.Array]bool
	stubs    map[int]*native.Stub
}

// Option configures a Machine.
type Option func(*Machine)

// WithStepLimit bounds the number of executed instructions.
func WithStepLimit(n int) Option { return func(m *Machine) { m.maxSteps = n } }

// WithDepthLimit bounds the call depth.
func WithDepthLimit(n int) Option { return func(m *Machine) { m.maxDepth = n } }

// New returns a machine for mod writing print output to out.
func New(mod *bytecode.Module, out io.Writer, opts ...Option) *Machine {
	if out == nil {
		out = io.Discard
	}
	m := &Machine{
		mod:      mod,
		out:      out,
		maxSteps: DefaultSteps,
		maxDepth: DefaultDepth,
		segments: make(map[int]*bytecode.Array),
		readOnly: make(map[*bytecode.Array]bool),
		stubs:    make(map[int]*native.Stub),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run executes the entry routine. The exit code is the operand of exit, or
// the entry routine's integer result, or 0.
func (m *Machine) Run() (int, error) {
	v, err := m.Call(m.mod.Entry)
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code, nil
	}
	if err != nil {
		return 0, err
	}
	if v.Kind == bytecode.KindI4 || v.Kind == bytecode.KindI8 {
		return int(v.Int()), nil
	}
	return 0, nil
}

// Call invokes routine idx with args. An exit inside the call surfaces as an
// error from Call; use Run for whole programs.
func (m *Machine) Call(idx int, args ...bytecode.Value) (bytecode.Value, error) {
	if idx < 0 || idx >= len(m.mod.Routines) {
		return bytecode.Value{}, fmt.Errorf("routine %d out of range", idx)
	}
	r := m.mod.Routines[idx]
	if len(args) != r.Params {
		return bytecode.Value{}, fmt.Errorf("routine %s takes %d arguments, got %d", r.Name, r.Params, len(args))
	}
	return m.exec(r, args)
}

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() int { return m.steps }

func (m *Machine) exec(r *bytecode.Routine, args []bytecode.Value) (bytecode.Value, error) {
	if m.depth >= m.maxDepth {
		return bytecode.Value{}, ErrDepth
	}
	m.depth++
	defer func() { m.depth-- }()

	locals := make([]bytecode.Value, r.Locals)
	var stack []bytecode.Value
	pop := func() bytecode.Value {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	push := func(v bytecode.Value) { stack = append(stack, v) }

	pc := 0
	for {
		if pc < 0 || pc >= len(r.Body) {
			return bytecode.Value{}, &RuntimeError{Routine: r.Name, Index: pc, Err: errors.New("pc out of range")}
		}
		if m.steps++; m.steps > m.maxSteps {
			return bytecode.Value{}, ErrStepLimit
		}
		in := r.Body[pc]
		fail := func(err error) (bytecode.Value, error) {
			return bytecode.Value{}, &RuntimeError{Routine: r.Name, Index: pc, Op: in.Op, Err: err}
		}
		pops, _, err := m.mod.Effect(r, in)
		if err != nil {
			return fail(err)
		}
		if len(stack) < pops {
			return fail(errors.New("stack underflow"))
		}
		next := pc + 1

		switch in.Op {
		case bytecode.OpNop:
		case bytecode.OpPop:
			pop()
		case bytecode.OpDup:
			v := pop()
			push(v)
			push(v)

		case bytecode.OpLdcI4, bytecode.OpLdcI8, bytecode.OpLdcR4, bytecode.OpLdcR8,
			bytecode.OpLdcBool, bytecode.OpLdcChar, bytecode.OpLdStr:
			push(in.Value)
		case bytecode.OpLdNull:
			push(bytecode.Null())

		case bytecode.OpLdArg:
			push(args[in.Arg])
		case bytecode.OpLdLoc:
			push(locals[in.Arg])
		case bytecode.OpStLoc:
			locals[in.Arg] = pop()

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpRem,
			bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor,
			bytecode.OpShl, bytecode.OpShr, bytecode.OpShrUn:
			b, a := pop(), pop()
			v, err := arith(in.Op, a, b)
			if err != nil {
				return fail(err)
			}
			push(v)
		case bytecode.OpNeg, bytecode.OpNot:
			v, err := unary(in.Op, pop())
			if err != nil {
				return fail(err)
			}
			push(v)

		case bytecode.OpConvI4, bytecode.OpConvI8, bytecode.OpConvU1:
			v, err := convert(in.Op, pop())
			if err != nil {
				return fail(err)
			}
			push(v)
		case bytecode.OpCeq, bytecode.OpClt, bytecode.OpCltUn:
			b, a := pop(), pop()
			v, err := compare(in.Op, a, b)
			if err != nil {
				return fail(err)
			}
			push(bytecode.Bool(v))

		case bytecode.OpBr:
			next = in.Arg
		case bytecode.OpBrTrue:
			if pop().Truthy() {
				next = in.Arg
			}
		case bytecode.OpBrFalse:
			if !pop().Truthy() {
				next = in.Arg
			}
		case bytecode.OpSwitch:
			v := pop()
			if v.Kind != bytecode.KindI4 {
				return fail(ErrType)
			}
			if i := v.Int(); i >= 0 && i < int64(len(in.Targets)) {
				next = in.Targets[i]
			}
		case bytecode.OpCall:
			callee := m.mod.Routines[in.Arg]
			cargs := make([]bytecode.Value, callee.Params)
			for i := len(cargs) - 1; i >= 0; i-- {
				cargs[i] = pop()
			}
			v, err := m.exec(callee, cargs)
			if err != nil {
				return bytecode.Value{}, err
			}
			if callee.Returns() {
				push(v)
			}
		case bytecode.OpCallNative:
			v := pop()
			if v.Kind != bytecode.KindI4 {
				return fail(ErrType)
			}
			stub, err := m.stub(in.Arg)
			if err != nil {
				return fail(err)
			}
			push(bytecode.I4(int32(stub.Call(uint32(v.Bits)))))
		case bytecode.OpRet:
			if r.Returns() {
				return pop(), nil
			}
			return bytecode.Value{}, nil
		case bytecode.OpExit:
			v := pop()
			if v.Kind != bytecode.KindI4 {
				return fail(ErrType)
			}
			return bytecode.Value{}, exitError{code: int(v.Int())}
		case bytecode.OpTrap:
			return fail(ErrTrap)

		case bytecode.OpNewArr:
			n := pop()
			if n.Kind != bytecode.KindI4 || n.Int() < 0 {
				return fail(fmt.Errorf("%w: bad array length %s", ErrType, n))
			}
			push(bytecode.ArrayOf(bytecode.NewArray(bytecode.Kind(in.Arg), int(n.Int()))))
		case bytecode.OpInitArr:
			a, err := array(pop())
			if err != nil {
				return fail(err)
			}
			if err := m.writable(a); err != nil {
				return fail(err)
			}
			if err := fillArray(a, in.Data); err != nil {
				return fail(err)
			}
		case bytecode.OpLdLen:
			a, err := array(pop())
			if err != nil {
				return fail(err)
			}
			push(bytecode.I4(int32(len(a.Items))))
		case bytecode.OpLdElem:
			idx := pop()
			a, err := array(pop())
			if err != nil {
				return fail(err)
			}
			i, err := index(a, idx, 1)
			if err != nil {
				return fail(err)
			}
			push(a.Items[i])
		case bytecode.OpStElem:
			v, idx := pop(), pop()
			a, err := array(pop())
			if err != nil {
				return fail(err)
			}
			if err := m.writable(a); err != nil {
				return fail(err)
			}
			i, err := index(a, idx, 1)
			if err != nil {
				return fail(err)
			}
			c, err := coerce(v, a.Elem)
			if err != nil {
				return fail(err)
			}
			a.Items[i] = c
		case bytecode.OpLdData:
			push(bytecode.ArrayOf(m.segment(in.Arg)))
		case bytecode.OpFromBytes:
			off := pop()
			a, err := byteArray(pop())
			if err != nil {
				return fail(err)
			}
			k := bytecode.Kind(in.Arg)
			if !k.Scalar() {
				return fail(ErrType)
			}
			i, err := index(a, off, k.Size())
			if err != nil {
				return fail(err)
			}
			push(bytecode.FromBytes(k, rawBytes(a.Items[i:i+k.Size()])))
		case bytecode.OpToBytes:
			v, off := pop(), pop()
			a, err := byteArray(pop())
			if err != nil {
				return fail(err)
			}
			if err := m.writable(a); err != nil {
				return fail(err)
			}
			k := bytecode.Kind(in.Arg)
			if !k.Scalar() {
				return fail(ErrType)
			}
			i, err := index(a, off, k.Size())
			if err != nil {
				return fail(err)
			}
			c, err := coerce(v, k)
			if err != nil {
				return fail(err)
			}
			for j, b := range c.AppendBytes(nil) {
				a.Items[i+j] = bytecode.U1(b)
			}
		case bytecode.OpArrFromBytes:
			a, err := byteArray(pop())
			if err != nil {
				return fail(err)
			}
			k := bytecode.Kind(in.Arg)
			if !k.Scalar() || len(a.Items)%k.Size() != 0 {
				return fail(fmt.Errorf("%w: %d bytes do not hold whole %s elements", ErrType, len(a.Items), k))
			}
			out := bytecode.NewArray(k, len(a.Items)/k.Size())
			if err := fillArray(out, rawBytes(a.Items)); err != nil {
				return fail(err)
			}
			push(bytecode.ArrayOf(out))
		case bytecode.OpStrFromBytes:
			a, err := byteArray(pop())
			if err != nil {
				return fail(err)
			}
			push(bytecode.Str(string(rawBytes(a.Items))))

		case bytecode.OpToStr:
			push(bytecode.Str(pop().String()))
		case bytecode.OpConcat:
			b, a := pop(), pop()
			push(bytecode.Str(a.String() + b.String()))
		case bytecode.OpPrint:
			if _, err := fmt.Fprintln(m.out, pop().String()); err != nil {
				return fail(err)
			}
		default:
			return fail(fmt.Errorf("unhandled opcode %s", in.Op))
		}
		pc = next
	}
}

// segment materializes data segment i once per machine. The array is shared
// by every lddata of the segment and rejects writes.
func (m *Machine) segment(i int) *bytecode.Array {
	if a, ok := m.segments[i]; ok {
		return a
	}
	data := m.mod.Data[i].Bytes
	a := bytecode.NewArray(bytecode.KindU1, len(data))
	for j, b := range data {
		a.Items[j] = bytecode.U1(b)
	}
	m.segments[i] = a
	m.readOnly[a] = true
	return a
}

func (m *Machine) writable(a *bytecode.Array) error {
	if m.readOnly[a] {
		return ErrReadOnly
	}
	return nil
}

func (m *Machine) stub(i int) (*native.Stub, error) {
	if s, ok := m.stubs[i]; ok {
		return s, nil
	}
	n := m.mod.Natives[i]
	if n.Arch != m.mod.Target.Arch {
		return nil, fmt.Errorf("native %s built for %s, module targets %s", n.Name, n.Arch, m.mod.Target.Arch)
	}
	mode, err := native.Mode(n.Arch)
	if err != nil {
		return nil, err
	}
	s, err := native.Load(n.Code, mode)
	if err != nil {
		return nil, fmt.Errorf("native %s: %w", n.Name, err)
	}
	m.stubs[i] = s
	return s, nil
}

func array(v bytecode.Value) (*bytecode.Array, error) {
	if v.Kind != bytecode.KindArray || v.Arr == nil {
		return nil, fmt.Errorf("%w: want array, got %s", ErrType, v.Kind)
	}
	return v.Arr, nil
}

func byteArray(v bytecode.Value) (*bytecode.Array, error) {
	a, err := array(v)
	if err != nil {
		return nil, err
	}
	if a.Elem != bytecode.KindU1 {
		return nil, fmt.Errorf("%w: want u1 array, got %s array", ErrType, a.Elem)
	}
	return a, nil
}

// index checks that width elements starting at v are inside a.
func index(a *bytecode.Array, v bytecode.Value, width int) (int, error) {
	if v.Kind != bytecode.KindI4 {
		return 0, fmt.Errorf("%w: index of kind %s", ErrType, v.Kind)
	}
	i := v.Int()
	if i < 0 || i+int64(width) > int64(len(a.Items)) {
		return 0, fmt.Errorf("%w: %d+%d of %d", ErrBounds, i, width, len(a.Items))
	}
	return int(i), nil
}

func rawBytes(items []bytecode.Value) []byte {
	b := make([]byte, len(items))
	for i, it := range items {
		b[i] = byte(it.Bits)
	}
	return b
}

// fillArray decodes little-endian elements of a.Elem from data.
func fillArray(a *bytecode.Array, data []byte) error {
	if a.Elem.Size() == 0 || len(data) != a.Elem.Size()*len(a.Items) {
		return fmt.Errorf("%w: %d bytes for %d %s elements", ErrType, len(data), len(a.Items), a.Elem)
	}
	items, err := bytecode.DecodeElems(a.Elem, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrType, err)
	}
	copy(a.Items, items)
	return nil
}

// coerce converts v for storage into an element of kind k.
func coerce(v bytecode.Value, k bytecode.Kind) (bytecode.Value, error) {
	if v.Kind == k {
		return v, nil
	}
	if !integral(v.Kind) || !integral(k) {
		return bytecode.Value{}, fmt.Errorf("%w: cannot store %s as %s", ErrType, v.Kind, k)
	}
	n := v.Int()
	switch k {
	case bytecode.KindI4, bytecode.KindChar:
		return bytecode.Value{Kind: k, Bits: uint64(uint32(n))}, nil
	case bytecode.KindU1:
		return bytecode.U1(byte(n)), nil
	case bytecode.KindBool:
		return bytecode.Bool(n&0xff != 0), nil
	}
	return bytecode.I8(n), nil
}

func integral(k bytecode.Kind) bool {
	switch k {
	case bytecode.KindI4, bytecode.KindI8, bytecode.KindU1, bytecode.KindBool, bytecode.KindChar:
		return true
	}
	return false
}

// promote widens the small integral kinds to i4 for arithmetic.
func promote(v bytecode.Value) bytecode.Value {
	switch v.Kind {
	case bytecode.KindU1, bytecode.KindBool, bytecode.KindChar:
		return bytecode.I4(int32(v.Int()))
	}
	return v
}

func arith(op bytecode.Opcode, a, b bytecode.Value) (bytecode.Value, error) {
	a, b = promote(a), promote(b)
	switch op {
	case bytecode.OpShl, bytecode.OpShr, bytecode.OpShrUn:
		if !integral(b.Kind) {
			return bytecode.Value{}, ErrType
		}
		return shift(op, a, uint(b.Int()))
	}
	if a.Kind != b.Kind {
		return bytecode.Value{}, fmt.Errorf("%w: %s %s %s", ErrType, a.Kind, op, b.Kind)
	}
	switch a.Kind {
	case bytecode.KindI4:
		x, y := int32(a.Int()), int32(b.Int())
		r, err := intOp(op, int64(x), int64(y))
		return bytecode.I4(int32(r)), err
	case bytecode.KindI8:
		r, err := intOp(op, a.Int(), b.Int())
		return bytecode.I8(r), err
	case bytecode.KindR4:
		r, err := floatOp(op, a.Float(), b.Float())
		return bytecode.R4(float32(r)), err
	case bytecode.KindR8:
		r, err := floatOp(op, a.Float(), b.Float())
		return bytecode.R8(r), err
	}
	return bytecode.Value{}, fmt.Errorf("%w: %s on %s", ErrType, op, a.Kind)
}

func intOp(op bytecode.Opcode, x, y int64) (int64, error) {
	var r int64
	switch op {
	case bytecode.OpAdd:
		r = x + y
	case bytecode.OpSub:
		r = x - y
	case bytecode.OpMul:
		r = x * y
	case bytecode.OpDiv, bytecode.OpRem:
		if y == 0 {
			return 0, ErrDivide
		}
		if op == bytecode.OpDiv {
			r = x / y
		} else {
			r = x % y
		}
	case bytecode.OpAnd:
		r = x & y
	case bytecode.OpOr:
		r = x | y
	case bytecode.OpXor:
		r = x ^ y
	default:
		return 0, fmt.Errorf("%w: %s on integers", ErrType, op)
	}
	return r, nil
}

func floatOp(op bytecode.Opcode, x, y float64) (float64, error) {
	switch op {
	case bytecode.OpAdd:
		return x + y, nil
	case bytecode.OpSub:
		return x - y, nil
	case bytecode.OpMul:
		return x * y, nil
	case bytecode.OpDiv:
		return x / y, nil
	case bytecode.OpRem:
		return math.Mod(x, y), nil
	}
	return 0, fmt.Errorf("%w: %s on floats", ErrType, op)
}

func shift(op bytecode.Opcode, a bytecode.Value, n uint) (bytecode.Value, error) {
	switch a.Kind {
	case bytecode.KindI4:
		x := uint32(a.Bits)
		n &= 31
		switch op {
		case bytecode.OpShl:
			x <<= n
		case bytecode.OpShr:
			x = uint32(int32(x) >> n)
		default:
			x >>= n
		}
		return bytecode.I4(int32(x)), nil
	case bytecode.KindI8:
		x := a.Bits
		n &= 63
		switch op {
		case bytecode.OpShl:
			x <<= n
		case bytecode.OpShr:
			x = uint64(int64(x) >> n)
		default:
			x >>= n
		}
		return bytecode.I8(int64(x)), nil
	}
	return bytecode.Value{}, fmt.Errorf("%w: shift of %s", ErrType, a.Kind)
}

func unary(op bytecode.Opcode, v bytecode.Value) (bytecode.Value, error) {
	v = promote(v)
	switch v.Kind {
	case bytecode.KindI4:
		if op == bytecode.OpNeg {
			return bytecode.I4(-int32(v.Int())), nil
		}
		return bytecode.I4(^int32(v.Int())), nil
	case bytecode.KindI8:
		if op == bytecode.OpNeg {
			return bytecode.I8(-v.Int()), nil
		}
		return bytecode.I8(^v.Int()), nil
	case bytecode.KindR4:
		if op == bytecode.OpNeg {
			return bytecode.R4Bits(uint32(v.Bits) ^ 1<<31), nil
		}
	case bytecode.KindR8:
		if op == bytecode.OpNeg {
			return bytecode.R8Bits(v.Bits ^ 1<<63), nil
		}
	}
	return bytecode.Value{}, fmt.Errorf("%w: %s on %s", ErrType, op, v.Kind)
}

func convert(op bytecode.Opcode, v bytecode.Value) (bytecode.Value, error) {
	var n int64
	switch {
	case integral(v.Kind):
		n = v.Int()
	case v.Kind == bytecode.KindR4 || v.Kind == bytecode.KindR8:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return bytecode.Value{}, fmt.Errorf("%w: cannot convert %s", ErrType, v)
		}
		n = int64(f)
	default:
		return bytecode.Value{}, fmt.Errorf("%w: cannot convert %s", ErrType, v.Kind)
	}
	switch op {
	case bytecode.OpConvI4:
		return bytecode.I4(int32(n)), nil
	case bytecode.OpConvI8:
		return bytecode.I8(n), nil
	}
	return bytecode.U1(byte(n)), nil
}

func compare(op bytecode.Opcode, a, b bytecode.Value) (bool, error) {
	a, b = promote(a), promote(b)
	if op == bytecode.OpCeq {
		switch {
		case a.Kind == bytecode.KindString && b.Kind == bytecode.KindString:
			return a.Str == b.Str, nil
		case a.Kind == bytecode.KindArray || b.Kind == bytecode.KindArray ||
			a.Kind == bytecode.KindNull || b.Kind == bytecode.KindNull:
			return a.Kind == b.Kind && a.Arr == b.Arr, nil
		}
	}
	if a.Kind != b.Kind {
		return false, fmt.Errorf("%w: %s %s %s", ErrType, a.Kind, op, b.Kind)
	}
	switch a.Kind {
	case bytecode.KindI4, bytecode.KindI8:
		x, y := a.Int(), b.Int()
		switch op {
		case bytecode.OpCeq:
			return x == y, nil
		case bytecode.OpClt:
			return x < y, nil
		}
		if a.Kind == bytecode.KindI4 {
			return uint32(x) < uint32(y), nil
		}
		return uint64(x) < uint64(y), nil
	case bytecode.KindR4, bytecode.KindR8:
		x, y := a.Float(), b.Float()
		if op == bytecode.OpCeq {
			return x == y, nil
		}
		return x < y, nil
	}
	return false, fmt.Errorf("%w: %s on %s", ErrType, op, a.Kind)
}
