package ctrlflow

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// ErrStackAtBoundary is returned for routines that carry values on the
// stack across a block boundary. Such routines cannot be flattened.
var ErrStackAtBoundary = errors.New("non-empty stack at block boundary")

type exitKind uint8

const (
	exitJump   exitKind = iota // to Succs[0]
	exitCond                   // Term is brtrue/brfalse: Succs[0] taken, Succs[1] otherwise
	exitSwitch                 // Succs[:n] are cases, Succs[n] the default
	exitEnd                    // Body ends with ret, exit or trap
)

// Block is a straight-line run of instructions. Body never holds branches;
// the way control leaves the block is described by Exit and Succs.
type Block struct {
	Index   int
	Body    []bytecode.Instr
	Term    bytecode.Opcode // exitCond only
	Exit    exitKind
	Succs   []int
	Comment string
}

// Graph is a routine's control-flow graph. Blocks live in an arena and
// refer to each other by index.
type Graph struct {
	Name   string
	Blocks []*Block
	Entry  int
	Locals int

	mod     *bytecode.Module
	routine *bytecode.Routine
}

func (g *Graph) newBlock(comment string) *Block {
	b := &Block{Index: len(g.Blocks), Comment: comment}
	g.Blocks = append(g.Blocks, b)
	return b
}

func (g *Graph) newLocal() int {
	g.Locals++
	return g.Locals - 1
}

// Edges returns every (from, to) pair of the graph.
func (g *Graph) Edges() [][2]int {
	var edges [][2]int
	for _, b := range g.Blocks {
		for _, s := range b.Succs {
			edges = append(edges, [2]int{b.Index, s})
		}
	}
	return edges
}

// Build splits r into basic blocks. Leaders are the first instruction,
// branch targets and instructions following a branch or a terminator.
// Unreachable instructions are dropped.
func Build(mod *bytecode.Module, r *bytecode.Routine) (*Graph, error) {
	depths, err := bytecode.StackDepths(mod, r)
	if err != nil {
		return nil, err
	}
	body := r.Body
	leaders := map[int]bool{0: true}
	for i, in := range body {
		if depths[i] < 0 {
			continue
		}
		if in.Op.IsBranch() {
			if depths[i] != in.Op.Info().Pop {
				return nil, fmt.Errorf("%w: %s at %d", ErrStackAtBoundary, in.Op, i)
			}
			if in.Op == bytecode.OpSwitch {
				for _, t := range in.Targets {
					leaders[t] = true
				}
			} else {
				leaders[in.Arg] = true
			}
		}
		if (in.Op.IsBranch() || in.Op.EndsFlow()) && i+1 < len(body) {
			leaders[i+1] = true
		}
	}

	starts := make([]int, 0, len(leaders))
	for idx := range leaders {
		if depths[idx] < 0 {
			continue
		}
		if depths[idx] != 0 {
			return nil, fmt.Errorf("%w: depth %d at %d", ErrStackAtBoundary, depths[idx], idx)
		}
		starts = append(starts, idx)
	}
	slices.Sort(starts)

	g := &Graph{Name: r.Name, Locals: r.Locals, mod: mod, routine: r}
	blockAt := make(map[int]int, len(starts))
	ends := make([]int, len(starts))
	for i, start := range starts {
		end := len(body)
		for j := start + 1; j < len(body); j++ {
			if leaders[j] {
				end = j
				break
			}
		}
		ends[i] = end
		blockAt[start] = g.newBlock("").Index
	}

	for i, start := range starts {
		b := g.Blocks[i]
		end := ends[i]
		last := body[end-1]
		target := func(idx int) (int, error) {
			id, ok := blockAt[idx]
			if !ok {
				return 0, fmt.Errorf("branch to %d does not start a block", idx)
			}
			return id, nil
		}
		b.Body = cloneInstrs(body[start:end])
		switch {
		case last.Op == bytecode.OpBr:
			b.Body = b.Body[:len(b.Body)-1]
			t, err := target(last.Arg)
			if err != nil {
				return nil, err
			}
			b.Exit, b.Succs = exitJump, []int{t}
		case last.Op == bytecode.OpBrTrue || last.Op == bytecode.OpBrFalse:
			b.Body = b.Body[:len(b.Body)-1]
			t, err := target(last.Arg)
			if err != nil {
				return nil, err
			}
			f, err := target(end)
			if err != nil {
				return nil, err
			}
			b.Exit, b.Term, b.Succs = exitCond, last.Op, []int{t, f}
		case last.Op == bytecode.OpSwitch:
			b.Body = b.Body[:len(b.Body)-1]
			b.Exit = exitSwitch
			for _, idx := range append(slices.Clone(last.Targets), end) {
				t, err := target(idx)
				if err != nil {
					return nil, err
				}
				b.Succs = append(b.Succs, t)
			}
		case last.Op.EndsFlow():
			b.Exit = exitEnd
		default:
			t, err := target(end)
			if err != nil {
				return nil, err
			}
			b.Exit, b.Succs = exitJump, []int{t}
		}
	}
	return g, nil
}

func cloneInstrs(in []bytecode.Instr) []bytecode.Instr {
	out := make([]bytecode.Instr, len(in))
	for i, x := range in {
		out[i] = x.Clone()
	}
	return out
}

// bodyDepths returns the stack depth before every instruction of b, which
// is entered with an empty stack.
func (g *Graph) bodyDepths(b *Block) ([]int, error) {
	depths := make([]int, len(b.Body))
	depth := 0
	for i, in := range b.Body {
		depths[i] = depth
		pop, push, err := g.mod.Effect(g.routine, in)
		if err != nil {
			return nil, err
		}
		depth += push - pop
	}
	return depths, nil
}

// order returns the emission order: the entry first, then the rest.
func (g *Graph) order() []int {
	order := []int{g.Entry}
	for _, b := range g.Blocks {
		if b.Index != g.Entry {
			order = append(order, b.Index)
		}
	}
	return order
}

// Emit lowers the graph back to instructions, laying blocks out in order.
// The first block of order is the entry.
func (g *Graph) Emit(order []int) ([]bytecode.Instr, error) {
	if len(order) == 0 || order[0] != g.Entry {
		return nil, errors.New("emission order must start with the entry block")
	}
	b := bytecode.NewBuilder()
	labels := make([]bytecode.Label, len(g.Blocks))
	for i := range labels {
		labels[i] = b.NewLabel()
	}
	for pos, id := range order {
		blk := g.Blocks[id]
		b.Mark(labels[id])
		for _, in := range blk.Body {
			b.Emit(in.Clone())
		}
		next := -1
		if pos+1 < len(order) {
			next = order[pos+1]
		}
		jump := func(to int) {
			if to != next {
				b.Jump(bytecode.OpBr, labels[to])
			}
		}
		switch blk.Exit {
		case exitJump:
			jump(blk.Succs[0])
		case exitCond:
			b.Jump(blk.Term, labels[blk.Succs[0]])
			jump(blk.Succs[1])
		case exitSwitch:
			n := len(blk.Succs) - 1
			cases := make([]bytecode.Label, n)
			for i, s := range blk.Succs[:n] {
				cases[i] = labels[s]
			}
			b.Switch(cases...)
			jump(blk.Succs[n])
		}
	}
	return b.Build()
}

// Lattice converts the graph for rendering. Instruction offsets follow the
// default emission order.
func (g *Graph) Lattice() *lattice.FuncCFG {
	fn := &lattice.FuncCFG{Name: g.Name}
	offset := 0
	for _, id := range g.order() {
		blk := g.Blocks[id]
		size := len(blk.Body)
		if blk.Exit != exitEnd {
			size++
		}
		lb := &lattice.BasicBlock{
			ID:    blk.Index,
			Start: offset,
			End:   offset + size,
			Term:  blk.Exit == exitEnd,
		}
		for i, s := range blk.Succs {
			lb.Succs = append(lb.Succs, lattice.Successor{BlockID: s, Cond: edgeLabel(blk, i)})
		}
		for i, in := range blk.Body {
			if in.Op == bytecode.OpCall && in.Arg >= 0 && in.Arg < len(g.mod.Routines) {
				lb.Calls = append(lb.Calls, lattice.CallSite{Offset: offset + i, Callee: g.mod.Routines[in.Arg].Name})
			}
		}
		fn.Blocks = append(fn.Blocks, lb)
		offset += size
	}
	return fn
}

func edgeLabel(b *Block, i int) string {
	switch b.Exit {
	case exitCond:
		if i == 0 {
			return "T"
		}
		return "F"
	case exitSwitch:
		if i == len(b.Succs)-1 {
			return "F"
		}
		return strconv.Itoa(i)
	}
	return ""
}

// DOT renders the graph in Graphviz format.
func (g *Graph) DOT() string {
	return render.DOTCFG(&lattice.CFGGraph{Funcs: []*lattice.FuncCFG{g.Lattice()}}, g.Name)
}
