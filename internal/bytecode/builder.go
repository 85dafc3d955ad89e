package bytecode

import "fmt"

// Label is a forward-referenceable position in a Builder.
type Label int

type fixup struct {
	at     int   // instruction index
	slot   int   // -1 for Arg, otherwise index into Targets
	target Label // label to resolve
}

// Builder assembles a routine body with symbolic labels.
type Builder struct {
	body   []Instr
	labels []int // label -> instruction index, -1 until marked
	fixups []fixup
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Len returns the number of emitted instructions.
func (b *Builder) Len() int { return len(b.body) }

// NewLabel allocates an unmarked label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Mark binds l to the next emitted instruction.
func (b *Builder) Mark(l Label) {
	if b.labels[l] >= 0 {
		panic(fmt.Sprintf("bytecode: label %d marked twice", l))
	}
	b.labels[l] = len(b.body)
}

// Emit appends a fully resolved instruction.
func (b *Builder) Emit(in Instr) *Builder {
	b.body = append(b.body, in)
	return b
}

// Op appends an instruction without operands.
func (b *Builder) Op(op Opcode) *Builder { return b.Emit(Instr{Op: op}) }

// OpArg appends an instruction with an integer operand.
func (b *Builder) OpArg(op Opcode, arg int) *Builder { return b.Emit(Ins(op, arg)) }

// Const appends the load of v.
func (b *Builder) Const(v Value) *Builder { return b.Emit(Ldc(v)) }

// Jump appends a single-target branch to l.
func (b *Builder) Jump(op Opcode, l Label) *Builder {
	b.fixups = append(b.fixups, fixup{at: len(b.body), slot: -1, target: l})
	return b.Emit(Instr{Op: op})
}

// Switch appends a switch over the given labels.
func (b *Builder) Switch(ls ...Label) *Builder {
	for i, l := range ls {
		b.fixups = append(b.fixups, fixup{at: len(b.body), slot: i, target: l})
	}
	return b.Emit(Instr{Op: OpSwitch, Targets: make([]int, len(ls))})
}

// Build resolves labels and returns the body.
func (b *Builder) Build() ([]Instr, error) {
	for _, f := range b.fixups {
		idx := b.labels[f.target]
		if idx < 0 {
			return nil, fmt.Errorf("label %d never marked", f.target)
		}
		if f.slot < 0 {
			b.body[f.at].Arg = idx
		} else {
			b.body[f.at].Targets[f.slot] = idx
		}
	}
	return b.body, nil
}
