package bytecode

import (
	"fmt"
	"slices"
	"strings"
)

// FormatVersion is the module format written by this package.
const FormatVersion = "v1.0.0"

// Instr is one instruction of a routine body. Which operand fields are
// meaningful is described by Op.Info().Operand.
type Instr struct {
	Op      Opcode `cbor:"1,keyasint"`
	Value   Value  `cbor:"2,keyasint"`
	Arg     int    `cbor:"3,keyasint,omitempty"`
	Targets []int  `cbor:"4,keyasint,omitempty"`
	Data    []byte `cbor:"5,keyasint,omitempty"`
}

// Ins builds an instruction with an integer operand.
func Ins(op Opcode, arg int) Instr { return Instr{Op: op, Arg: arg} }

// Ldc builds the constant load for v.
func Ldc(v Value) Instr {
	op, ok := LoadOpcode(v.Kind)
	if !ok {
		panic(fmt.Sprintf("bytecode: no load opcode for %s", v.Kind))
	}
	return Instr{Op: op, Value: v}
}

// Clone deep-copies the instruction.
func (in Instr) Clone() Instr {
	in.Value = in.Value.Clone()
	in.Targets = slices.Clone(in.Targets)
	in.Data = slices.Clone(in.Data)
	return in
}

// Flag marks routine properties relevant to the protections.
type Flag uint32

const (
	// FlagNoProtect excludes a routine from constant collection.
	FlagNoProtect Flag = 1 << iota
	// FlagSynthetic marks routines generated by a protection.
	FlagSynthetic
)

func (f Flag) String() string {
	var parts []string
	if f&FlagNoProtect != 0 {
		parts = append(parts, "noprotect")
	}
	if f&FlagSynthetic != 0 {
		parts = append(parts, "synthetic")
	}
	return strings.Join(parts, ",")
}

// Attribute is compile-time metadata attached to a routine. Its arguments
// must stay literal and are never rewritten into calls.
type Attribute struct {
	Name string  `cbor:"1,keyasint"`
	Args []Value `cbor:"2,keyasint,omitempty"`
}

// Routine is a callable unit of bytecode.
type Routine struct {
	Name   string      `cbor:"1,keyasint"`
	Params int         `cbor:"2,keyasint,omitempty"`
	Result Kind        `cbor:"3,keyasint,omitempty"` // KindInvalid for no result
	Locals int         `cbor:"4,keyasint,omitempty"`
	Flags  Flag        `cbor:"5,keyasint,omitempty"`
	Attrs  []Attribute `cbor:"6,keyasint,omitempty"`
	Body   []Instr     `cbor:"7,keyasint"`
}

// Returns reports whether the routine leaves a result on the caller's stack.
func (r *Routine) Returns() bool { return r.Result != KindInvalid }

// Clone deep-copies the routine.
func (r *Routine) Clone() *Routine {
	c := *r
	c.Attrs = make([]Attribute, len(r.Attrs))
	for i, a := range r.Attrs {
		c.Attrs[i] = Attribute{Name: a.Name, Args: cloneValues(a.Args)}
	}
	if r.Attrs == nil {
		c.Attrs = nil
	}
	c.Body = make([]Instr, len(r.Body))
	for i, in := range r.Body {
		c.Body[i] = in.Clone()
	}
	return &c
}

// Target describes the platform a module is built for.
type Target struct {
	OS   string `cbor:"1,keyasint"`
	Arch string `cbor:"2,keyasint"`
}

func (t Target) String() string { return t.OS + "/" + t.Arch }

// ParseTarget parses "os/arch".
func ParseTarget(s string) (Target, error) {
	os, arch, ok := strings.Cut(s, "/")
	if !ok || os == "" || arch == "" {
		return Target{}, fmt.Errorf("invalid target %q, want os/arch", s)
	}
	return Target{OS: os, Arch: arch}, nil
}

// Segment is a named read-only byte blob addressable with lddata.
type Segment struct {
	Name  string `cbor:"1,keyasint"`
	Bytes []byte `cbor:"2,keyasint"`
}

// Native is a machine-code stub reachable through callnative.
type Native struct {
	Name string `cbor:"1,keyasint"`
	Arch string `cbor:"2,keyasint"`
	Code []byte `cbor:"3,keyasint"`
}

// Global is a named compile-time constant. Like attribute arguments, its
// value is metadata and stays literal.
type Global struct {
	Name  string `cbor:"1,keyasint"`
	Const Value  `cbor:"2,keyasint"`
}

// Module is the unit a protection run transforms.
type Module struct {
	Format   string     `cbor:"1,keyasint"`
	Name     string     `cbor:"2,keyasint"`
	Target   Target     `cbor:"3,keyasint"`
	Entry    int        `cbor:"4,keyasint"`
	Routines []*Routine `cbor:"5,keyasint"`
	Data     []Segment  `cbor:"6,keyasint,omitempty"`
	Natives  []Native   `cbor:"7,keyasint,omitempty"`
	Globals  []Global   `cbor:"8,keyasint,omitempty"`
}

// Clone deep-copies the module so that a transformation can fail without
// touching its input.
func (m *Module) Clone() *Module {
	c := *m
	c.Routines = make([]*Routine, len(m.Routines))
	for i, r := range m.Routines {
		c.Routines[i] = r.Clone()
	}
	c.Data = make([]Segment, len(m.Data))
	for i, s := range m.Data {
		c.Data[i] = Segment{Name: s.Name, Bytes: slices.Clone(s.Bytes)}
	}
	c.Natives = make([]Native, len(m.Natives))
	for i, n := range m.Natives {
		c.Natives[i] = Native{Name: n.Name, Arch: n.Arch, Code: slices.Clone(n.Code)}
	}
	c.Globals = make([]Global, len(m.Globals))
	for i, g := range m.Globals {
		c.Globals[i] = Global{Name: g.Name, Const: g.Const.Clone()}
	}
	return &c
}

// RoutineIndex returns the index of the routine called name, or -1.
func (m *Module) RoutineIndex(name string) int {
	return slices.IndexFunc(m.Routines, func(r *Routine) bool { return r.Name == name })
}

// AddRoutine appends r and returns its index.
func (m *Module) AddRoutine(r *Routine) int {
	m.Routines = append(m.Routines, r)
	return len(m.Routines) - 1
}

// AddSegment appends a data segment and returns its index.
func (m *Module) AddSegment(name string, data []byte) int {
	m.Data = append(m.Data, Segment{Name: name, Bytes: data})
	return len(m.Data) - 1
}

// AddNative appends a native stub and returns its index.
func (m *Module) AddNative(n Native) int {
	m.Natives = append(m.Natives, n)
	return len(m.Natives) - 1
}

// Effect returns how many values in executes pops and pushes inside r.
func (m *Module) Effect(r *Routine, in Instr) (pop, push int, err error) {
	info := in.Op.Info()
	switch in.Op {
	case OpCall:
		if in.Arg < 0 || in.Arg >= len(m.Routines) {
			return 0, 0, fmt.Errorf("call to routine %d out of range", in.Arg)
		}
		callee := m.Routines[in.Arg]
		push = 0
		if callee.Returns() {
			push = 1
		}
		return callee.Params, push, nil
	case OpRet:
		if r.Returns() {
			return 1, 0, nil
		}
		return 0, 0, nil
	}
	if !in.Op.Valid() {
		return 0, 0, fmt.Errorf("invalid opcode %#02x", byte(in.Op))
	}
	return info.Pop, info.Push, nil
}

func cloneValues(vs []Value) []Value {
	if vs == nil {
		return nil
	}
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = v.Clone()
	}
	return out
}
