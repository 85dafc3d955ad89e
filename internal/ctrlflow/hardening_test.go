package ctrlflow

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/AeonDave/constprot/internal/bytecode"
)

func flattenCollatz(t *testing.T, names ...string) (*Graph, *dispatcherInfo) {
	t.Helper()
	m := mustParse(t, branchy)
	g := mustBuild(t, m, "collatz")
	info := applyFlattening(g, 1, newDispatcherHardening(names), mathrand.New(mathrand.NewSource(11)))
	qt.Assert(t, qt.IsNotNil(info))
	return g, info
}

func TestXorHardening(t *testing.T) {
	g, info := flattenCollatz(t, "xor")
	qt.Assert(t, qt.HasLen(info.Setup, 4))
	qt.Assert(t, qt.Equals(info.Setup[3].Op, bytecode.OpStLoc))
	key := info.Setup[3].Arg
	qt.Assert(t, qt.DeepEquals(info.Decode[0], bytecode.Ins(bytecode.OpLdLoc, key)))
	qt.Assert(t, qt.HasLen(info.Guard, 3))

	// the split key recombines into the mask the states were encoded with
	half, rest := uint32(info.Setup[0].Value.Bits), uint32(info.Setup[1].Value.Bits)
	qt.Assert(t, qt.Not(qt.Equals(half, 0)))
	for c := range info.Cases {
		qt.Assert(t, qt.Equals(info.Encode(c)^(half^rest), uint32(c)))
	}

	entry := g.Blocks[g.Entry]
	qt.Assert(t, qt.Equals(entry.Exit, exitCond))
	qt.Assert(t, qt.Equals(entry.Term, bytecode.OpBrFalse))
	qt.Assert(t, qt.Equals(g.Blocks[entry.Succs[0]].Comment, "ctrlflow.default"))
}

func TestDelegateTableHardening(t *testing.T) {
	_, info := flattenCollatz(t, "delegate_table")
	qt.Assert(t, qt.HasLen(info.Setup, 5))
	qt.Assert(t, qt.Equals(info.Setup[1].Op, bytecode.OpNewArr))
	data := info.Setup[3].Data
	qt.Assert(t, qt.HasLen(data, 4*len(info.Cases)))
	qt.Assert(t, qt.Equals(info.Pre[0].Op, bytecode.OpLdLoc))
	qt.Assert(t, qt.Equals(info.Post[len(info.Post)-1].Op, bytecode.OpLdElem))

	// the table maps every decoded slot back to its case
	mask := uint32(info.Decode[0].Value.Bits)
	for c := range info.Cases {
		slot := info.Encode(c) ^ mask
		got := uint32(data[4*slot]) | uint32(data[4*slot+1])<<8 | uint32(data[4*slot+2])<<16 | uint32(data[4*slot+3])<<24
		qt.Assert(t, qt.Equals(got, uint32(c)))
	}
}

func TestCombinedHardening(t *testing.T) {
	for _, names := range [][]string{{"xor", "delegate_table"}, {"delegate_table", "xor"}} {
		g, info := flattenCollatz(t, names...)
		qt.Assert(t, qt.HasLen(info.Setup, 9))
		qt.Assert(t, qt.HasLen(info.Guard, 3))
		body, err := g.Emit(g.order())
		qt.Assert(t, qt.IsNil(err))
		r := g.routine.Clone()
		r.Body, r.Locals = body, g.Locals
		_, err = bytecode.StackDepths(g.mod, r)
		qt.Assert(t, qt.IsNil(err))
	}
}

func TestNewDispatcherHardening(t *testing.T) {
	qt.Assert(t, qt.IsNil(newDispatcherHardening(nil)))
	qt.Assert(t, qt.HasLen(newDispatcherHardening(HardeningNames()).(multiHardening), 2))
	qt.Assert(t, qt.PanicMatches(func() {
		newDispatcherHardening([]string{"rot13"})
	}, `unknown dispatcher hardening "rot13"`))
	for _, name := range HardeningNames() {
		_, ok := hardeningTypes[name]
		qt.Assert(t, qt.IsTrue(ok), qt.Commentf("%s", name))
	}
}

func TestGenerateKeys(t *testing.T) {
	rand := mathrand.New(mathrand.NewSource(1))
	blacklist := []int{1, 2, 3}
	keys := generateKeys(256, blacklist, rand)
	qt.Assert(t, qt.HasLen(keys, 256))
	seen := make(map[uint32]bool)
	for _, k := range keys {
		qt.Assert(t, qt.Not(qt.Equals(k, 0)))
		qt.Assert(t, qt.IsFalse(seen[k]))
		for _, b := range blacklist {
			qt.Assert(t, qt.Not(qt.Equals(k, uint32(b))))
		}
		seen[k] = true
	}
}
