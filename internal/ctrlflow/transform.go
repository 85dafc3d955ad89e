package ctrlflow

import (
	mathrand "math/rand"
	"slices"
	"strconv"

	"github.com/AeonDave/constprot/internal/bytecode"
)

func ldc(v uint32) bytecode.Instr { return bytecode.Ldc(bytecode.I4(int32(v))) }

// applySplitting splits the largest block at a random point where the stack
// is empty. It reports false when no block can be split.
func applySplitting(g *Graph, rand *mathrand.Rand) bool {
	var (
		target *Block
		points []int
	)
	for _, b := range g.Blocks {
		if target != nil && len(b.Body) <= len(target.Body) {
			continue
		}
		depths, err := g.bodyDepths(b)
		if err != nil {
			continue
		}
		var cand []int
		for i := 1; i < len(depths); i++ {
			if depths[i] == 0 {
				cand = append(cand, i)
			}
		}
		if len(cand) > 0 {
			target, points = b, cand
		}
	}
	if target == nil {
		return false
	}

	at := points[rand.Intn(len(points))]
	tail := g.newBlock("ctrlflow.split")
	tail.Body = target.Body[at:]
	tail.Term, tail.Exit, tail.Succs = target.Term, target.Exit, target.Succs
	target.Body = target.Body[:at:at]
	target.Term, target.Exit, target.Succs = 0, exitJump, []int{tail.Index}
	return true
}

// addJunkBlocks routes up to count unconditional edges through blocks that
// compute and discard a value. Once flattened, each one is another state.
func addJunkBlocks(g *Graph, count int, rand *mathrand.Rand) {
	var candidates []*Block
	for _, b := range g.Blocks {
		if b.Exit == exitJump {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return
	}
	for i := range count {
		from := candidates[rand.Intn(len(candidates))]
		junk := g.newBlock("ctrlflow.fake." + strconv.Itoa(i))
		junk.Body = append(junk.Body, trashStatements(rand, 1+rand.Intn(3))...)
		junk.Exit, junk.Succs = exitJump, []int{from.Succs[0]}
		from.Succs = []int{junk.Index}
	}
}

// dispatcherInfo describes one flattening pass. States are stored in the
// State local as encode(case) and turned back into a case index by the
// dispatcher: Pre, ldloc State, Decode, Post.
type dispatcherInfo struct {
	State  int
	Cases  []int // case index -> block
	Encode func(c int) uint32
	Pre    []bytecode.Instr
	Decode []bytecode.Instr
	Post   []bytecode.Instr
	Setup  []bytecode.Instr // run once before the first dispatch
	Guard  []bytecode.Instr // pushes a value that is never false
}

// applyFlattening turns the graph into a switch-driven state machine: every
// block becomes a case of one dispatcher and, instead of branching, stores
// the masked state of its successor. Dead trash cases pad the switch.
// Graphs of a single block are left alone and nil is returned.
func applyFlattening(g *Graph, trash int, hardening dispatcherHardening, rand *mathrand.Rand) *dispatcherInfo {
	if len(g.Blocks) < 2 {
		return nil
	}
	n := len(g.Blocks)
	for range trash {
		g.newBlock("ctrlflow.trash")
	}

	// case numbers are a random permutation of the blocks
	info := &dispatcherInfo{State: g.newLocal(), Cases: rand.Perm(len(g.Blocks))}
	caseOf := make([]int, len(g.Blocks))
	for c, b := range info.Cases {
		caseOf[b] = c
	}
	mask := generateKeys(1, nil, rand)[0]
	info.Encode = func(c int) uint32 { return uint32(c) ^ mask }
	info.Decode = []bytecode.Instr{ldc(mask), bytecode.Ins(bytecode.OpXor, 0)}
	if hardening != nil {
		hardening.Apply(info, g, rand)
	}

	dispatch := g.newBlock("ctrlflow.dispatch")
	trap := g.newBlock("ctrlflow.default")
	trap.Body, trap.Exit = []bytecode.Instr{{Op: bytecode.OpTrap}}, exitEnd

	setState := func(b *Block, to int) {
		b.Body = append(b.Body, ldc(info.Encode(caseOf[to])), bytecode.Ins(bytecode.OpStLoc, info.State))
		b.Exit, b.Succs = exitJump, []int{dispatch.Index}
	}
	// stub returns a new block that only moves to state to.
	stub := func(to int) int {
		s := g.newBlock("ctrlflow.edge")
		setState(s, to)
		return s.Index
	}

	for _, b := range g.Blocks[:n] {
		switch b.Exit {
		case exitJump:
			setState(b, b.Succs[0])
		case exitCond, exitSwitch:
			succs := make([]int, len(b.Succs))
			for i, s := range b.Succs {
				succs[i] = stub(s)
			}
			b.Succs = succs
		}
	}
	for _, b := range g.Blocks[n : n+trash] {
		b.Body = trashStatements(rand, 1+rand.Intn(4))
		setState(b, rand.Intn(n))
	}

	dispatch.Body = append(dispatch.Body, info.Pre...)
	dispatch.Body = append(dispatch.Body, bytecode.Ins(bytecode.OpLdLoc, info.State))
	dispatch.Body = append(dispatch.Body, info.Decode...)
	dispatch.Body = append(dispatch.Body, info.Post...)
	dispatch.Exit = exitSwitch
	dispatch.Succs = append(slices.Clone(info.Cases), trap.Index)

	entry := g.newBlock("ctrlflow.entry")
	entry.Body = append(entry.Body, info.Setup...)
	start := entry
	if len(info.Guard) > 0 {
		entry.Body = append(entry.Body, info.Guard...)
		start = g.newBlock("ctrlflow.entry.guarded")
		entry.Exit, entry.Term = exitCond, bytecode.OpBrFalse
		entry.Succs = []int{trap.Index, start.Index}
	}
	setState(start, g.Entry)
	g.Entry = entry.Index

	debugf("%s: flattened %d blocks into %d cases (%d trash)", g.Name, n, len(info.Cases), trash)
	return info
}

// shuffledOrder lays blocks out randomly, entry first.
func shuffledOrder(g *Graph, rand *mathrand.Rand) []int {
	rest := make([]int, 0, len(g.Blocks)-1)
	for _, b := range g.Blocks {
		if b.Index != g.Entry {
			rest = append(rest, b.Index)
		}
	}
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	return append([]int{g.Entry}, rest...)
}

// generateKeys returns count distinct non-zero keys outside blacklist.
func generateKeys(count int, blacklist []int, rand *mathrand.Rand) []uint32 {
	used := make(map[uint32]bool, count+len(blacklist))
	for _, b := range blacklist {
		used[uint32(b)] = true
	}
	keys := make([]uint32, 0, count)
	for len(keys) < count {
		k := rand.Uint32()
		if k == 0 || used[k] {
			continue
		}
		used[k] = true
		keys = append(keys, k)
	}
	return keys
}
