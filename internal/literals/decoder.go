package literals

import (
	"fmt"
	mathrand "math/rand"
	"slices"

	"github.com/tliron/commonlog"

	"github.com/AeonDave/constprot/internal/bytecode"
)

var log = commonlog.GetLogger("constprot.literals")

// frame assigns the locals of the core decoder routine.
type frame struct {
	id, off, n, out, i, ks, blob int
	tmp, left, right             int
	padded, scratch              int
	native                       int // stub index, x86 only
	locals                       int
}

func newFrame() *frame {
	f := &frame{native: -1}
	for _, p := range []*int{
		&f.id, &f.off, &f.n, &f.out, &f.i, &f.ks, &f.blob,
		&f.tmp, &f.left, &f.right, &f.padded, &f.scratch,
	} {
		*p = f.locals
		f.locals++
	}
	return f
}

// loadStoredByte pushes blob[off+i].
func (f *frame) loadStoredByte(e emitter) {
	e.ld(f.blob)
	e.ld(f.off)
	e.ld(f.i)
	e.Op(bytecode.OpAdd)
	e.OpArg(bytecode.OpFromBytes, int(bytecode.KindU1))
}

// Decoder describes what Synthesize added to a module.
type Decoder struct {
	Core     int
	Wrappers map[Shape]int
	Blob     int
	Table    int
	Natives  []int
}

// Routines returns the indices of every generated routine, ascending.
func (d *Decoder) Routines() []int {
	rs := []int{d.Core}
	for _, idx := range d.Wrappers {
		rs = append(rs, idx)
	}
	slices.Sort(rs)
	return rs
}

// Wrapper returns the routine that yields constants of shape s.
func (d *Decoder) Wrapper(s Shape) (int, bool) {
	idx, ok := d.Wrappers[s]
	return idx, ok
}

const generatedFlags = bytecode.FlagSynthetic | bytecode.FlagNoProtect

// Synthesize adds the encoded data, the core decoder and one wrapper per
// shape in enc to mod. Names are drawn from names and never collide with
// existing routines or segments.
func (e *Encoder) Synthesize(mod *bytecode.Module, enc *Encoded, names *mathrand.Rand) (*Decoder, error) {
	taken := make(map[string]bool)
	for _, r := range mod.Routines {
		taken[r.Name] = true
	}
	for _, s := range mod.Data {
		taken[s.Name] = true
	}
	for _, n := range mod.Natives {
		taken[n.Name] = true
	}
	fresh := func(prefix string) string {
		for {
			name := fmt.Sprintf("%s%08x", prefix, names.Uint32())
			if !taken[name] {
				taken[name] = true
				return name
			}
		}
	}

	d := &Decoder{Wrappers: make(map[Shape]int)}
	d.Blob = mod.AddSegment(fresh("d"), enc.Blob)
	d.Table = mod.AddSegment(fresh("d"), enc.Table)

	f := newFrame()
	for _, n := range e.strategy.natives() {
		n.Name = fresh("n")
		idx := mod.AddNative(n)
		d.Natives = append(d.Natives, idx)
		if f.native < 0 {
			f.native = idx
		}
	}

	body, err := e.coreBody(f, d)
	if err != nil {
		return nil, fmt.Errorf("core decoder: %w", err)
	}
	d.Core = mod.AddRoutine(&bytecode.Routine{
		Name:   fresh("r"),
		Params: 1,
		Result: bytecode.KindArray,
		Locals: f.locals,
		Flags:  generatedFlags,
		Body:   body,
	})

	for _, s := range enc.Shapes {
		if _, ok := d.Wrappers[s]; ok {
			continue
		}
		r, err := wrapper(s, d.Core)
		if err != nil {
			return nil, err
		}
		r.Name = fresh("r")
		d.Wrappers[s] = mod.AddRoutine(r)
	}
	log.Infof("synthesized %s decoder: %d wrappers, %d natives", enc.Mode, len(d.Wrappers), len(d.Natives))
	return d, nil
}

// coreBody emits bytes(key) -> u1[].
func (e *Encoder) coreBody(f *frame, d *Decoder) ([]bytecode.Instr, error) {
	em := emitter{bytecode.NewBuilder()}
	e.ids.emitUnmask(em, f.id, f.left, f.right, f.tmp)

	e.emitTableWord(em, f, d.Table, 0, e.offMask, offsetMix)
	em.st(f.off)
	e.emitTableWord(em, f, d.Table, 4, e.lenMask, lengthMix)
	em.st(f.n)

	em.ld(f.n)
	em.OpArg(bytecode.OpNewArr, int(bytecode.KindU1))
	em.st(f.out)
	em.OpArg(bytecode.OpLdData, d.Blob)
	em.st(f.blob)

	e.strategy.emitDecode(em, f)

	em.ld(f.out)
	em.Op(bytecode.OpRet)
	return em.Build()
}

// emitTableWord pushes table[id*8+at] ^ mask ^ id*mix.
func (e *Encoder) emitTableWord(em emitter, f *frame, table, at int, mask, mix uint32) {
	em.OpArg(bytecode.OpLdData, table)
	em.ld(f.id)
	em.u32(tableStride)
	em.Op(bytecode.OpMul)
	if at != 0 {
		em.u32(uint32(at))
		em.Op(bytecode.OpAdd)
	}
	em.OpArg(bytecode.OpFromBytes, int(bytecode.KindI4))
	em.u32(mask)
	em.ld(f.id)
	em.u32(mix)
	em.Op(bytecode.OpMul)
	em.Op(bytecode.OpXor)
	em.Op(bytecode.OpXor)
}

// wrapper builds the typed entry point for shape s. Array wrappers take the
// expected element count as a second argument and trap on a mismatch.
func wrapper(s Shape, core int) (*bytecode.Routine, error) {
	b := bytecode.NewBuilder()
	b.OpArg(bytecode.OpLdArg, 0)
	b.OpArg(bytecode.OpCall, core)
	r := &bytecode.Routine{Params: 1, Result: s.Kind, Flags: generatedFlags}

	switch {
	case s.Kind == bytecode.KindString:
		b.Op(bytecode.OpStrFromBytes)
	case s.Kind == bytecode.KindArray && s.Elem.Scalar():
		ok := b.NewLabel()
		r.Params = 2
		r.Locals = 1
		b.OpArg(bytecode.OpArrFromBytes, int(s.Elem))
		b.OpArg(bytecode.OpStLoc, 0)
		b.OpArg(bytecode.OpLdLoc, 0)
		b.Op(bytecode.OpLdLen)
		b.OpArg(bytecode.OpLdArg, 1)
		b.Op(bytecode.OpCeq)
		b.Jump(bytecode.OpBrTrue, ok)
		b.Op(bytecode.OpTrap)
		b.Mark(ok)
		b.OpArg(bytecode.OpLdLoc, 0)
	case s.Kind.Scalar():
		b.Const(bytecode.I4(0))
		b.OpArg(bytecode.OpFromBytes, int(s.Kind))
	default:
		return nil, fmt.Errorf("no decoder wrapper for %s", s)
	}
	b.Op(bytecode.OpRet)
	body, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("%s wrapper: %w", s, err)
	}
	r.Body = body
	return r, nil
}
