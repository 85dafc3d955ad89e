package literals

import (
	"fmt"
	"math"
	mathrand "math/rand"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/consts"
	"github.com/AeonDave/constprot/internal/interp"
	"github.com/AeonDave/constprot/internal/native"
)

var amd64 = bytecode.Target{OS: "linux", Arch: "amd64"}

func i4Array(vs ...int32) bytecode.Value {
	a := bytecode.NewArray(bytecode.KindI4, len(vs))
	for i, v := range vs {
		a.Items[i] = bytecode.I4(v)
	}
	return bytecode.ArrayOf(a)
}

func r8Array(vs ...float64) bytecode.Value {
	a := bytecode.NewArray(bytecode.KindR8, len(vs))
	for i, v := range vs {
		a.Items[i] = bytecode.R8(v)
	}
	return bytecode.ArrayOf(a)
}

// testSites covers every shape and the awkward bit patterns.
func testSites() []consts.Site {
	site := func(tag consts.Tag, v bytecode.Value) consts.Site {
		s := consts.Site{Tag: tag, Value: v, Span: 1}
		if v.Kind == bytecode.KindArray {
			s.Span = consts.InitializerSpan
			s.Count = len(v.Arr.Items)
		}
		return s
	}
	return []consts.Site{
		site(consts.TagString, bytecode.Str("hello, world")),
		site(consts.TagString, bytecode.Str("")),
		site(consts.TagString, bytecode.Str("héllo\x00\xff")),
		site(consts.TagNumber, bytecode.I4(-1)),
		site(consts.TagNumber, bytecode.I4(123456)),
		site(consts.TagNumber, bytecode.I8(math.MinInt64)),
		site(consts.TagNumber, bytecode.R4Bits(0x7fc00001)),         // NaN payload
		site(consts.TagNumber, bytecode.R8Bits(0x8000000000000000)), // -0
		site(consts.TagNumber, bytecode.R8Bits(1)),                  // subnormal
		site(consts.TagPrimitive, bytecode.Bool(true)),
		site(consts.TagPrimitive, bytecode.Bool(false)),
		site(consts.TagPrimitive, bytecode.Char('é')),
		site(consts.TagInitializer, i4Array(1, 2, 3)),
		site(consts.TagInitializer, i4Array()),
		site(consts.TagInitializer, r8Array(1.5, math.Inf(-1))),
		site(consts.TagNumber, bytecode.I4(123456)),
	}
}

func TestBuildPool(t *testing.T) {
	sites := testSites()
	p := BuildPool(sites)
	// the trailing 123456 reuses entry 4
	qt.Assert(t, qt.HasLen(p.Entries, len(sites)-1))
	qt.Assert(t, qt.Equals(p.SiteIDs[len(sites)-1], uint32(4)))
	for i, e := range p.Entries {
		qt.Assert(t, qt.Equals(e.ID, uint32(i)))
	}

	// identical initializers are never shared
	arr := consts.Site{Tag: consts.TagInitializer, Value: i4Array(7), Count: 1}
	p = BuildPool([]consts.Site{arr, arr})
	qt.Assert(t, qt.HasLen(p.Entries, 2))

	// -0 and +0 differ by bit pattern
	p = BuildPool([]consts.Site{
		{Tag: consts.TagNumber, Value: bytecode.R8Bits(0)},
		{Tag: consts.TagNumber, Value: bytecode.R8Bits(1 << 63)},
	})
	qt.Assert(t, qt.HasLen(p.Entries, 2))
}

func TestPoolIDsIndependentOfKey(t *testing.T) {
	a, b := BuildPool(testSites()), BuildPool(testSites())
	qt.Assert(t, qt.DeepEquals(a.SiteIDs, b.SiteIDs))
}

func TestStrategyRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0},
		[]byte("abc"),
		[]byte("exactly8"),
		make([]byte, 257),
	}
	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			s, err := NewStrategy(mode, mustKey(t, 5), amd64)
			qt.Assert(t, qt.IsNil(err))
			for id, plain := range payloads {
				stored := s.encode(uint32(id), plain)
				qt.Assert(t, qt.HasLen(stored, s.storedLen(len(plain))))
				got := s.decode(uint32(id), stored, len(plain))
				qt.Assert(t, qt.DeepEquals(append([]byte{}, got...), append([]byte{}, plain...)))
			}
		})
	}
}

func TestStrategyPerEntryKeystream(t *testing.T) {
	plain := []byte("same payload, different entries")
	for _, mode := range Modes() {
		s, err := NewStrategy(mode, mustKey(t, 6), amd64)
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Not(qt.DeepEquals(s.encode(0, plain), s.encode(1, plain))), qt.Commentf("mode %s", mode))
	}
}

func TestDynamicBuildsDiffer(t *testing.T) {
	a, err := newDynamic(mustKey(t, 1), amd64)
	qt.Assert(t, qt.IsNil(err))
	b, err := newDynamic(mustKey(t, 2), amd64)
	qt.Assert(t, qt.IsNil(err))
	da, db := a.(*dynamic), b.(*dynamic)
	qt.Assert(t, qt.IsTrue(len(da.chain) >= minChain && len(da.chain) <= maxChain))
	qt.Assert(t, qt.IsTrue(da.mul != db.mul || da.inc != db.inc))
}

func TestByteOpsInvert(t *testing.T) {
	rand := mathrand.New(mathrand.NewSource(1))
	for range 200 {
		op := randByteOp(rand)
		for i := range 300 {
			b := byte(rand.Intn(256))
			qt.Assert(t, qt.Equals(op.undo(op.apply(b, i), i), b), qt.Commentf("op %+v at %d", op, i))
		}
	}
}

func TestX86RejectsTarget(t *testing.T) {
	_, err := NewStrategy(ModeX86, mustKey(t, 1), bytecode.Target{OS: "linux", Arch: "arm64"})
	qt.Assert(t, qt.ErrorIs(err, native.ErrUnsupportedTarget))
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes() {
		got, err := ParseMode(" " + m.String() + " ")
		qt.Assert(t, qt.IsNil(err))
		qt.Assert(t, qt.Equals(got, m))
	}
	m, err := ParseMode("X86")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(m, ModeX86))
	_, err = ParseMode("ascon")
	qt.Assert(t, qt.ErrorMatches(err, `unknown mode "ascon", want one of normal, dynamic, x86`))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newStrategyRegistry()
	r.register(ModeNormal, "normal", newNormal)
	qt.Assert(t, qt.PanicMatches(func() { r.register(ModeNormal, "again", newNormal) },
		`duplicate constant encoding strategy: again`))
}

func TestEncoderDecode(t *testing.T) {
	p := BuildPool(testSites())
	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			e, err := NewEncoder(mode, mustKey(t, 7), amd64)
			qt.Assert(t, qt.IsNil(err))
			enc := e.Encode(p)
			qt.Assert(t, qt.HasLen(enc.Keys, len(p.Entries)))
			for i, entry := range p.Entries {
				got, err := e.DecodeValue(enc, enc.Keys[i])
				qt.Assert(t, qt.IsNil(err))
				qt.Assert(t, qt.IsTrue(got.Equal(entry.Value)), qt.Commentf("entry %d: got %s want %s", i, got.Literal(), entry.Value.Literal()))
			}
			_, err = e.Decode(enc, e.ids.mask(uint32(len(p.Entries))))
			qt.Assert(t, qt.ErrorIs(err, ErrUnknownKey))
		})
	}
}

// hostModule is the smallest module a decoder can be added to.
func hostModule() *bytecode.Module {
	return &bytecode.Module{
		Format: bytecode.FormatVersion,
		Name:   "host",
		Target: amd64,
		Routines: []*bytecode.Routine{{
			Name: "main",
			Body: []bytecode.Instr{{Op: bytecode.OpRet}},
		}},
	}
}

func synthesize(t *testing.T, mode Mode, seed byte) (*bytecode.Module, *Pool, *Encoded, *Decoder) {
	t.Helper()
	p := BuildPool(testSites())
	k := mustKey(t, seed)
	e, err := NewEncoder(mode, k, amd64)
	qt.Assert(t, qt.IsNil(err))
	enc := e.Encode(p)
	mod := hostModule()
	d, err := e.Synthesize(mod, enc, k.Rand("names"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(bytecode.Verify(mod)))
	return mod, p, enc, d
}

func TestSynthesizedDecoder(t *testing.T) {
	for _, mode := range Modes() {
		t.Run(mode.String(), func(t *testing.T) {
			mod, p, enc, d := synthesize(t, mode, 11)
			m := interp.New(mod, nil)
			for i, entry := range p.Entries {
				shape := enc.Shapes[i]
				idx, ok := d.Wrapper(shape)
				qt.Assert(t, qt.IsTrue(ok), qt.Commentf("no wrapper for %s", shape))
				args := []bytecode.Value{bytecode.I4(int32(enc.Keys[i]))}
				if shape.Kind == bytecode.KindArray {
					args = append(args, bytecode.I4(int32(len(entry.Value.Arr.Items))))
				}
				got, err := m.Call(idx, args...)
				qt.Assert(t, qt.IsNil(err))
				qt.Assert(t, qt.IsTrue(got.Equal(entry.Value)), qt.Commentf("entry %d: got %s want %s", i, got.Literal(), entry.Value.Literal()))

				if shape.Kind == bytecode.KindArray {
					again, err := m.Call(idx, args...)
					qt.Assert(t, qt.IsNil(err))
					if again.Arr == got.Arr {
						t.Fatalf("entry %d: two calls returned the same array", i)
					}
				}
			}
		})
	}
}

func TestArrayWrapperTrapsOnCount(t *testing.T) {
	mod, p, enc, d := synthesize(t, ModeNormal, 12)
	for i, entry := range p.Entries {
		if entry.Tag != consts.TagInitializer {
			continue
		}
		idx, _ := d.Wrapper(enc.Shapes[i])
		_, err := interp.New(mod, nil).Call(idx,
			bytecode.I4(int32(enc.Keys[i])),
			bytecode.I4(int32(len(entry.Value.Arr.Items)+1)))
		qt.Assert(t, qt.ErrorIs(err, interp.ErrTrap))
		return
	}
	t.Fatal("no initializer in the test pool")
}

func TestSynthesizeLayout(t *testing.T) {
	mod, _, enc, d := synthesize(t, ModeX86, 13)
	qt.Assert(t, qt.HasLen(d.Natives, 1))
	qt.Assert(t, qt.Equals(mod.Natives[d.Natives[0]].Arch, "amd64"))
	_, err := native.Decode(mod.Natives[d.Natives[0]].Code, 64)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(mod.Data[d.Blob].Bytes, enc.Blob))
	qt.Assert(t, qt.DeepEquals(mod.Data[d.Table].Bytes, enc.Table))

	names := make(map[string]bool)
	for _, idx := range d.Routines() {
		r := mod.Routines[idx]
		qt.Assert(t, qt.IsTrue(r.Flags&bytecode.FlagSynthetic != 0))
		qt.Assert(t, qt.IsFalse(names[r.Name]))
		names[r.Name] = true
	}
	// string, i4, i8, r4, r8, bool, char, i4[], r8[]
	qt.Assert(t, qt.HasLen(d.Wrappers, 9))
}

func TestSynthesizeAvoidsNameClashes(t *testing.T) {
	p := BuildPool(testSites())
	k := mustKey(t, 14)
	e, err := NewEncoder(ModeNormal, k, amd64)
	qt.Assert(t, qt.IsNil(err))
	enc := e.Encode(p)

	// occupy the first names the source will draw
	probe := mathrand.New(mathrand.NewSource(1))
	mod := hostModule()
	mod.AddSegment(fmt.Sprintf("d%08x", probe.Uint32()), []byte{1})
	mod.AddRoutine(&bytecode.Routine{
		Name: fmt.Sprintf("d%08x", probe.Uint32()),
		Body: []bytecode.Instr{{Op: bytecode.OpRet}},
	})

	_, err = e.Synthesize(mod, enc, mathrand.New(mathrand.NewSource(1)))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(bytecode.Verify(mod)))
	seen := make(map[string]bool)
	for _, s := range mod.Data {
		qt.Assert(t, qt.IsFalse(seen[s.Name]), qt.Commentf("segment %s repeated", s.Name))
		seen[s.Name] = true
	}
}
