package patch

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/google/go-cmp/cmp"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/consts"
	"github.com/AeonDave/constprot/internal/interp"
)

// The wrappers stand in for generated decoders: they ignore the key and
// return a fixed value, so a patched program prints something different.
const program = `entry main
-- main --
locals 2
    ldc.i4 0
    stloc 0
loop:
    ldstr "hi"
    print
    ldloc 0
    ldc.i4 1
    add
    stloc 0
    ldloc 0
    ldc.i4 2
    clt
    brtrue loop
    ldc.i4 2
    newarr u1
    dup
    initarr 0102
    stloc 1
    ldloc 1
    ldlen
    print
    ldc.i4 7
    ldloc 0
    ldc.i4 1
    sub
    switch zero one
    pop
    ret
zero:
    pop
    ret
one:
    print
    ret
-- wstr --
params 1
returns string
    ldstr "patched"
    ret
-- wi4 --
params 1
returns i4
    ldc.i4 99
    ret
-- warr --
params 2
returns array
    ldarg 1
    newarr u1
    ret
`

func setup(t *testing.T) (*bytecode.Module, []consts.Site) {
	t.Helper()
	m, err := bytecode.Parse([]byte(program))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(bytecode.Verify(m)))

	res, err := consts.Collect(context.Background(), m, consts.MaskAll, consts.Options{})
	qt.Assert(t, qt.IsNil(err))
	var sites []consts.Site
	for _, s := range res.Sites {
		if s.Routine == m.RoutineIndex("main") {
			sites = append(sites, s)
		}
	}
	return m, sites
}

func wrapperFor(m *bytecode.Module, s consts.Site) int {
	switch s.Value.Kind {
	case bytecode.KindString:
		return m.RoutineIndex("wstr")
	case bytecode.KindArray:
		return m.RoutineIndex("warr")
	}
	return m.RoutineIndex("wi4")
}

func runModule(t *testing.T, m *bytecode.Module) string {
	t.Helper()
	var out bytes.Buffer
	_, err := interp.New(m, &out).Run()
	qt.Assert(t, qt.IsNil(err))
	return out.String()
}

func TestApply(t *testing.T) {
	m, sites := setup(t)
	qt.Assert(t, qt.Equals(runModule(t, m), "hi\nhi\n2\n7\n"))

	var reps []Replacement
	for i, s := range sites {
		reps = append(reps, Replacement{Site: s, Key: uint32(0x1000 + i), Wrapper: wrapperFor(m, s)})
	}
	res, err := Apply(context.Background(), m, reps)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(res.Patched, len(sites)))
	qt.Assert(t, qt.DeepEquals(res.Routines, []int{m.RoutineIndex("main")}))
	qt.Assert(t, qt.IsNil(bytecode.Verify(m)))

	// every integer literal now comes from wi4, so the loop runs once
	// and the switch falls through with 99
	qt.Assert(t, qt.Equals(runModule(t, m), "patched\n2\n"))

	main := m.Routines[m.RoutineIndex("main")]
	var calls []string
	for _, in := range main.Body {
		if in.Op == bytecode.OpCall {
			calls = append(calls, m.Routines[in.Arg].Name)
		}
		if k, ok := in.Op.LiteralKind(); ok && k == bytecode.KindString {
			t.Fatalf("string literal left in main: %v", in.Value)
		}
	}
	qt.Assert(t, qt.CmpEquals(calls, []string{"wi4", "wstr", "wi4", "wi4", "warr", "wi4", "wi4"}))
}

func TestApplyPassesKeysAndCounts(t *testing.T) {
	m, sites := setup(t)
	var reps []Replacement
	for _, s := range sites {
		if s.Tag == consts.TagInitializer {
			reps = append(reps, Replacement{Site: s, Key: 0xdeadbeef, Wrapper: m.RoutineIndex("warr")})
		}
	}
	qt.Assert(t, qt.HasLen(reps, 1))
	before := len(m.Routines[0].Body)
	_, err := Apply(context.Background(), m, reps)
	qt.Assert(t, qt.IsNil(err))

	body := m.Routines[0].Body
	qt.Assert(t, qt.HasLen(body, before-1))
	at := reps[0].Site.Index
	got := body[at : at+3]
	want := []bytecode.Instr{
		bytecode.Ldc(bytecode.I4(int32(-559038737))),
		bytecode.Ldc(bytecode.I4(2)),
		bytecode.Ins(bytecode.OpCall, m.RoutineIndex("warr")),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected call sequence (-want +got):\n%s", diff)
	}
	// branches behind the site moved back by one
	for _, in := range body {
		if in.Op == bytecode.OpSwitch {
			qt.Assert(t, qt.Equals(body[in.Targets[0]].Op, bytecode.OpPop))
			qt.Assert(t, qt.Equals(body[in.Targets[1]].Op, bytecode.OpPrint))
		}
	}
	qt.Assert(t, qt.Equals(runModule(t, m), "hi\nhi\n2\n7\n"))
}

func TestApplyTypeMismatch(t *testing.T) {
	m, sites := setup(t)
	before, err := bytecode.Hash(m)
	qt.Assert(t, qt.IsNil(err))

	var reps []Replacement
	for _, s := range sites {
		reps = append(reps, Replacement{Site: s, Wrapper: m.RoutineIndex("wstr")})
	}
	_, err = Apply(context.Background(), m, reps)
	qt.Assert(t, qt.ErrorIs(err, ErrTypeMismatch))

	after, err := bytecode.Hash(m)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(after, before))
}

func TestApplyBranchIntoSpan(t *testing.T) {
	m, err := bytecode.Parse([]byte(`-- main --
    ldc.i4 1
    newarr u1
    br inside
inside:
    dup
    initarr 05
    print
    ret
-- warr --
params 2
returns array
    ldarg 1
    newarr u1
    ret
`))
	qt.Assert(t, qt.IsNil(err))
	site := consts.Site{
		Routine: 0,
		Index:   0,
		Span:    consts.InitializerSpan,
		Tag:     consts.TagInitializer,
		Value:   bytecode.Value{Kind: bytecode.KindArray, Arr: &bytecode.Array{Elem: bytecode.KindU1}},
		Count:   1,
	}
	_, err = Apply(context.Background(), m, []Replacement{{Site: site, Wrapper: 1}})
	qt.Assert(t, qt.ErrorIs(err, ErrBranchIntoSpan))
}

func TestApplyStaleSite(t *testing.T) {
	m, sites := setup(t)
	s := sites[0]
	s.Value = bytecode.I4(12345)
	_, err := Apply(context.Background(), m, []Replacement{{Site: s, Wrapper: m.RoutineIndex("wi4")}})
	qt.Assert(t, qt.ErrorIs(err, ErrStaleSite))

	s = sites[0]
	s.Index = len(m.Routines[0].Body)
	_, err = Apply(context.Background(), m, []Replacement{{Site: s, Wrapper: m.RoutineIndex("wi4")}})
	qt.Assert(t, qt.ErrorIs(err, ErrStaleSite))
}

func TestApplyOverlap(t *testing.T) {
	m, sites := setup(t)
	w := m.RoutineIndex("wi4")
	_, err := Apply(context.Background(), m, []Replacement{{Site: sites[0], Wrapper: w}, {Site: sites[0], Wrapper: w}})
	qt.Assert(t, qt.ErrorMatches(err, `routine main: sites at \d+ and \d+ overlap`))
}

func TestApplyCancelled(t *testing.T) {
	m, sites := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Apply(ctx, m, []Replacement{{Site: sites[0], Wrapper: m.RoutineIndex("wi4")}})
	qt.Assert(t, qt.ErrorIs(err, context.Canceled))
}
