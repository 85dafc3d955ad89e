package ctrlflow

import (
	"encoding/binary"
	"fmt"
	mathrand "math/rand"

	"github.com/AeonDave/constprot/internal/bytecode"
)

// dispatcherHardening changes how a dispatcher maps stored states to cases
// so that case numbers cannot be read off the state constants.
type dispatcherHardening interface {
	Apply(info *dispatcherInfo, g *Graph, rand *mathrand.Rand)
}

var hardeningTypes = map[string]func() dispatcherHardening{
	"xor":            func() dispatcherHardening { return xorHardening{} },
	"delegate_table": func() dispatcherHardening { return delegateTableHardening{} },
}

// HardeningNames lists the accepted flatten_hardening values.
func HardeningNames() []string { return []string{"xor", "delegate_table"} }

type multiHardening []dispatcherHardening

func (m multiHardening) Apply(info *dispatcherInfo, g *Graph, rand *mathrand.Rand) {
	for _, h := range m {
		h.Apply(info, g, rand)
	}
}

// newDispatcherHardening panics on unknown names; Params are validated
// before they reach here.
func newDispatcherHardening(names []string) dispatcherHardening {
	var hs multiHardening
	for _, name := range names {
		newHardening, ok := hardeningTypes[name]
		if !ok {
			panic(fmt.Sprintf("unknown dispatcher hardening %q", name))
		}
		hs = append(hs, newHardening())
	}
	if len(hs) == 0 {
		return nil
	}
	return hs
}

// xorHardening moves the state mask out of the dispatcher into a local that
// the entry computes from two key halves, guarded by an opaque predicate.
type xorHardening struct{}

func (xorHardening) Apply(info *dispatcherInfo, g *Graph, rand *mathrand.Rand) {
	if len(info.Decode) == 0 || info.Decode[0].Op != bytecode.OpLdcI4 {
		return
	}
	mask := uint32(info.Decode[0].Value.Bits)
	key := g.newLocal()
	half := generateKeys(1, []int{int(mask)}, rand)[0]

	info.Setup = append(info.Setup,
		ldc(half),
		ldc(mask^half),
		bytecode.Ins(bytecode.OpXor, 0),
		bytecode.Ins(bytecode.OpStLoc, key),
	)
	// key | 1 is never zero
	info.Guard = []bytecode.Instr{
		bytecode.Ins(bytecode.OpLdLoc, key),
		ldc(1),
		bytecode.Ins(bytecode.OpOr, 0),
	}
	info.Decode[0] = bytecode.Ins(bytecode.OpLdLoc, key)
}

// delegateTableHardening adds one level of indirection: stored states name
// slots of a shuffled table built on entry, and the table holds the case.
type delegateTableHardening struct{}

func (delegateTableHardening) Apply(info *dispatcherInfo, g *Graph, rand *mathrand.Rand) {
	n := len(info.Cases)
	slots := rand.Perm(n)
	data := make([]byte, 4*n)
	for c, slot := range slots {
		binary.LittleEndian.PutUint32(data[4*slot:], uint32(c))
	}
	table := g.newLocal()

	info.Setup = append(info.Setup,
		ldc(uint32(n)),
		bytecode.Ins(bytecode.OpNewArr, int(bytecode.KindI4)),
		bytecode.Ins(bytecode.OpDup, 0),
		bytecode.Instr{Op: bytecode.OpInitArr, Data: data},
		bytecode.Ins(bytecode.OpStLoc, table),
	)
	inner := info.Encode
	info.Encode = func(c int) uint32 { return inner(slots[c]) }
	info.Pre = append([]bytecode.Instr{bytecode.Ins(bytecode.OpLdLoc, table)}, info.Pre...)
	info.Post = append(info.Post, bytecode.Ins(bytecode.OpLdElem, 0))
}
