package consts

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/AeonDave/constprot/internal/bytecode"
)

var log = commonlog.GetLogger("constprot.collect")

// InitializerSpan is the number of instructions of an initializer pattern.
const InitializerSpan = 4

// Site is one literal occurrence. Value holds the canonical constant; for
// initializers it is the array the pattern would build and Count its length.
type Site struct {
	Routine int
	Index   int
	Span    int
	Tag     Tag
	Value   bytecode.Value
	Count   int
}

// Skip records a candidate left in place and why.
type Skip struct {
	Routine int
	Index   int // -1 for a whole routine
	Reason  string
}

// Result lists the sites of a module in routine order, then instruction
// order.
type Result struct {
	Sites   []Site
	Skipped []Skip
	// Pinned counts literal values held as metadata (attribute arguments
	// and globals). They are never instructions and stay as they are.
	Pinned int
}

// Options tunes a collection run.
type Options struct {
	Policy  Policy // nil selects DefaultPolicy
	Workers int    // <= 0 means one task per routine without a limit
}

// Collect scans every routine of mod for constants enabled in mask. It does
// not modify mod.
func Collect(ctx context.Context, mod *bytecode.Module, mask Mask, opts Options) (*Result, error) {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultPolicy
	}
	res := &Result{Pinned: pinned(mod)}
	if mask == 0 {
		return res, nil
	}

	perRoutine := make([]routineResult, len(mod.Routines))
	g, ctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}
	for i, r := range mod.Routines {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rr, err := scanRoutine(i, r, mask, policy)
			if err != nil {
				return fmt.Errorf("routine %s: %w", r.Name, err)
			}
			perRoutine[i] = rr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, rr := range perRoutine {
		res.Sites = append(res.Sites, rr.sites...)
		res.Skipped = append(res.Skipped, rr.skipped...)
	}
	for _, s := range res.Skipped {
		log.Debugf("skip %s+%d: %s", mod.Routines[s.Routine].Name, s.Index, s.Reason)
	}
	log.Infof("collected %d sites, skipped %d", len(res.Sites), len(res.Skipped))
	return res, nil
}

type routineResult struct {
	sites   []Site
	skipped []Skip
}

func scanRoutine(ri int, r *bytecode.Routine, mask Mask, policy Policy) (routineResult, error) {
	var rr routineResult
	switch {
	case r.Flags&bytecode.FlagSynthetic != 0:
		rr.skipped = append(rr.skipped, Skip{Routine: ri, Index: -1, Reason: "synthetic routine"})
		return rr, nil
	case r.Flags&bytecode.FlagNoProtect != 0:
		rr.skipped = append(rr.skipped, Skip{Routine: ri, Index: -1, Reason: "noprotect routine"})
		return rr, nil
	}
	targets := BranchTargets(r)
	skip := func(i int, format string, args ...any) {
		rr.skipped = append(rr.skipped, Skip{Routine: ri, Index: i, Reason: fmt.Sprintf(format, args...)})
	}

	for i := 0; i < len(r.Body); i++ {
		in := r.Body[i]
		if in.Op == bytecode.OpLdcI4 && mask.Has(TagInitializer) && isInitializer(r.Body, i) {
			site, err := initializerSite(ri, r.Body, i)
			switch {
			case interiorTarget(targets, i):
				skip(i, "branch into initializer")
			case err != nil:
				skip(i, "malformed initializer: %v", err)
			default:
				if err := policy(TagInitializer, site.Value); err != nil {
					skip(i, "%v", err)
					break
				}
				rr.sites = append(rr.sites, site)
				i += InitializerSpan - 1
				continue
			}
			// The pattern stays; its length load may still be a number site.
		}
		if in.Op == bytecode.OpLdNull && mask.Has(TagString) {
			skip(i, "%v: null", ErrDenied)
			continue
		}
		kind, ok := in.Op.LiteralKind()
		if !ok {
			continue
		}
		tag := tagOf(kind)
		if !mask.Has(tag) {
			continue
		}
		if in.Value.Kind != kind {
			return rr, fmt.Errorf("instr %d: %s carries a %s operand", i, in.Op, in.Value.Kind)
		}
		if err := policy(tag, in.Value); err != nil {
			skip(i, "%v", err)
			continue
		}
		rr.sites = append(rr.sites, Site{Routine: ri, Index: i, Span: 1, Tag: tag, Value: in.Value})
	}
	return rr, nil
}

func tagOf(k bytecode.Kind) Tag {
	switch k {
	case bytecode.KindString:
		return TagString
	case bytecode.KindBool, bytecode.KindChar:
		return TagPrimitive
	}
	return TagNumber
}

// BranchTargets returns the set of instruction indices some branch of r
// jumps to.
func BranchTargets(r *bytecode.Routine) map[int]bool {
	targets := make(map[int]bool)
	for _, in := range r.Body {
		switch in.Op.Info().Operand {
		case bytecode.OperandLabel:
			targets[in.Arg] = true
		case bytecode.OperandLabels:
			for _, t := range in.Targets {
				targets[t] = true
			}
		}
	}
	return targets
}

func isInitializer(body []bytecode.Instr, i int) bool {
	return i+InitializerSpan <= len(body) &&
		body[i+1].Op == bytecode.OpNewArr &&
		body[i+2].Op == bytecode.OpDup &&
		body[i+3].Op == bytecode.OpInitArr
}

// interiorTarget reports whether control can enter the pattern at i after
// its first instruction. Such a pattern cannot become a single call.
func interiorTarget(targets map[int]bool, i int) bool {
	for j := i + 1; j < i+InitializerSpan; j++ {
		if targets[j] {
			return true
		}
	}
	return false
}

func initializerSite(ri int, body []bytecode.Instr, i int) (Site, error) {
	n := body[i].Value.Int()
	elem := bytecode.Kind(body[i+1].Arg)
	if n < 0 {
		return Site{}, fmt.Errorf("negative length %d", n)
	}
	items, err := bytecode.DecodeElems(elem, body[i+3].Data)
	if err != nil {
		return Site{}, err
	}
	if int64(len(items)) != n {
		return Site{}, fmt.Errorf("%d bytes of data for %d %s elements", len(body[i+3].Data), n, elem)
	}
	v := bytecode.ArrayOf(&bytecode.Array{Elem: elem, Items: items})
	return Site{Routine: ri, Index: i, Span: InitializerSpan, Tag: TagInitializer, Value: v, Count: int(n)}, nil
}

func pinned(mod *bytecode.Module) int {
	n := len(mod.Globals)
	for _, r := range mod.Routines {
		for _, a := range r.Attrs {
			n += len(a.Args)
		}
	}
	return n
}
