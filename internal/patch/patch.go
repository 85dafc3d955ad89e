// Package patch replaces constant sites with calls into the generated
// decoder.
package patch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/consts"
)

var log = commonlog.GetLogger("constprot.patch")

var (
	// ErrTypeMismatch is returned when a wrapper would not yield a value of
	// the kind its site loads.
	ErrTypeMismatch = errors.New("wrapper type does not match site")
	// ErrBranchIntoSpan is returned when a branch targets an instruction
	// inside a span that becomes a single call.
	ErrBranchIntoSpan = errors.New("branch into replaced span")
	// ErrStaleSite is returned when a site no longer describes the
	// instructions at its position.
	ErrStaleSite = errors.New("site does not match routine body")
)

// Replacement rewrites one site into a call of Wrapper with Key as its first
// argument. Initializer sites also pass their element count.
type Replacement struct {
	Site    consts.Site
	Key     uint32
	Wrapper int
}

// Result reports what Apply did.
type Result struct {
	Patched  int
	Routines []int
}

// Apply rewrites the routines of mod in place. Replacements may come in any
// order, but no two may overlap. Each routine is patched by its own task;
// on error mod is left untouched.
func Apply(ctx context.Context, mod *bytecode.Module, reps []Replacement) (*Result, error) {
	byRoutine := make(map[int][]Replacement)
	for _, rep := range reps {
		ri := rep.Site.Routine
		if ri < 0 || ri >= len(mod.Routines) {
			return nil, fmt.Errorf("site routine %d out of range", ri)
		}
		byRoutine[ri] = append(byRoutine[ri], rep)
	}
	routines := make([]int, 0, len(byRoutine))
	for ri := range byRoutine {
		routines = append(routines, ri)
	}
	slices.Sort(routines)

	bodies := make([][]bytecode.Instr, len(routines))
	g, ctx := errgroup.WithContext(ctx)
	for i, ri := range routines {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := mod.Routines[ri]
			body, err := patchRoutine(mod, r, byRoutine[ri])
			if err != nil {
				return fmt.Errorf("routine %s: %w", r.Name, err)
			}
			bodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, ri := range routines {
		r := mod.Routines[ri].Clone()
		r.Body = bodies[i]
		mod.Routines[ri] = r
		log.Debugf("%s: %d sites", r.Name, len(byRoutine[ri]))
	}
	log.Infof("patched %d sites in %d routines", len(reps), len(routines))
	return &Result{Patched: len(reps), Routines: routines}, nil
}

func patchRoutine(mod *bytecode.Module, r *bytecode.Routine, reps []Replacement) ([]bytecode.Instr, error) {
	slices.SortFunc(reps, func(a, b Replacement) int { return a.Site.Index - b.Site.Index })
	targets := consts.BranchTargets(r)
	for i, rep := range reps {
		if err := check(mod, r, rep, targets); err != nil {
			return nil, err
		}
		if i > 0 {
			prev := reps[i-1].Site
			if prev.Index+prev.Span > rep.Site.Index {
				return nil, fmt.Errorf("sites at %d and %d overlap", prev.Index, rep.Site.Index)
			}
		}
	}

	// remap[i] is the new position of old instruction i; len(Body) maps to
	// the new end.
	remap := make([]int, len(r.Body)+1)
	body := make([]bytecode.Instr, 0, len(r.Body)+len(reps))
	next := 0
	for i := 0; i < len(r.Body); i++ {
		remap[i] = len(body)
		if next < len(reps) && reps[next].Site.Index == i {
			rep := reps[next]
			next++
			body = append(body, call(rep)...)
			for j := 1; j < rep.Site.Span; j++ {
				remap[i+j] = remap[i]
			}
			i += rep.Site.Span - 1
			continue
		}
		body = append(body, r.Body[i].Clone())
	}
	remap[len(r.Body)] = len(body)

	for i := range body {
		in := &body[i]
		switch in.Op.Info().Operand {
		case bytecode.OperandLabel:
			in.Arg = remap[in.Arg]
		case bytecode.OperandLabels:
			for j, t := range in.Targets {
				in.Targets[j] = remap[t]
			}
		}
	}

	out := r.Clone()
	out.Body = body
	if _, err := bytecode.StackDepths(mod, out); err != nil {
		return nil, fmt.Errorf("patched body is invalid: %w", err)
	}
	return body, nil
}

func call(rep Replacement) []bytecode.Instr {
	out := []bytecode.Instr{bytecode.Ldc(bytecode.I4(int32(rep.Key)))}
	if rep.Site.Tag == consts.TagInitializer {
		out = append(out, bytecode.Ldc(bytecode.I4(int32(rep.Site.Count))))
	}
	return append(out, bytecode.Ins(bytecode.OpCall, rep.Wrapper))
}

func check(mod *bytecode.Module, r *bytecode.Routine, rep Replacement, targets map[int]bool) error {
	s := rep.Site
	if s.Index < 0 || s.Span < 1 || s.Index+s.Span > len(r.Body) {
		return fmt.Errorf("%w: span [%d, %d) outside body", ErrStaleSite, s.Index, s.Index+s.Span)
	}
	for j := s.Index + 1; j < s.Index+s.Span; j++ {
		if targets[j] {
			return fmt.Errorf("%w: target %d", ErrBranchIntoSpan, j)
		}
	}
	if rep.Wrapper < 0 || rep.Wrapper >= len(mod.Routines) {
		return fmt.Errorf("wrapper %d out of range", rep.Wrapper)
	}
	w := mod.Routines[rep.Wrapper]

	in := r.Body[s.Index]
	wantParams := 1
	if s.Tag == consts.TagInitializer {
		if s.Span != consts.InitializerSpan || in.Op != bytecode.OpLdcI4 || r.Body[s.Index+1].Op != bytecode.OpNewArr {
			return fmt.Errorf("%w: no initializer at %d", ErrStaleSite, s.Index)
		}
		if s.Value.Arr == nil || bytecode.Kind(r.Body[s.Index+1].Arg) != s.Value.Arr.Elem {
			return fmt.Errorf("%w: initializer element kind at %d", ErrTypeMismatch, s.Index)
		}
		wantParams = 2
	} else {
		kind, ok := in.Op.LiteralKind()
		if !ok || s.Span != 1 || kind != s.Value.Kind || in.Value.Bits != s.Value.Bits || in.Value.Str != s.Value.Str {
			return fmt.Errorf("%w: %s at %d", ErrStaleSite, in.Op, s.Index)
		}
	}
	if w.Result != s.Value.Kind || w.Params != wantParams {
		return fmt.Errorf("%w: %s(%d) for %s at %d", ErrTypeMismatch, w.Name, w.Params, s.Value.Kind, s.Index)
	}
	return nil
}
