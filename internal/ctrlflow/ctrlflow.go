// Package ctrlflow flattens the control flow of generated routines.
package ctrlflow

import (
	"errors"
	"fmt"
	"math"
	mathrand "math/rand"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/AeonDave/constprot/internal/bytecode"
)

const (
	defaultBlockSplits   = 2
	defaultJunkJumps     = 1
	defaultFlattenPasses = 1
	defaultTrashBlocks   = 2

	maxBlockSplits   = math.MaxInt32
	maxJunkJumps     = 256
	maxFlattenPasses = 4
	maxTrashBlocks   = 1024
)

var (
	log           = commonlog.GetLogger("constprot.ctrlflow")
	ctrlflowDebug = os.Getenv("CONSTPROT_DEBUG") == "1"
)

func debugf(format string, args ...any) {
	if !ctrlflowDebug {
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "[ctrlflow] "+format+"\n", args...)
}

type paramMap map[string]string

func (m paramMap) GetInt(name string, def, max int) (int, error) {
	rawVal, ok := m[name]
	if !ok {
		return def, nil
	}

	if rawVal == "max" {
		return max, nil
	}

	val, err := strconv.Atoi(rawVal)
	if err != nil {
		return 0, fmt.Errorf("invalid flag %q format: %v", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative flag %q value: %d", name, val)
	}
	if val > max {
		return 0, fmt.Errorf("too big flag %q value: %d (max: %d)", name, val, max)
	}
	return val, nil
}

func (m paramMap) StringSlice(name string) []string {
	rawVal, ok := m[name]
	if !ok || rawVal == "" {
		return nil
	}
	return strings.Split(rawVal, ",")
}

// parseParamMap parses space-separated "key=value" or "key" fields.
func parseParamMap(s string) paramMap {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	m := make(paramMap)
	for _, v := range fields {
		key, value, _ := strings.Cut(v, "=")
		m[key] = value
	}
	return m
}

// Params tunes a run.
//
// FlattenPasses controls the number of flattening passes. Each pass
// dispatches over the previous one, so complexity grows quickly.
// JunkJumps routes that many jumps through extra blocks. BlockSplits is the
// number of times the largest block is split; together with flattening it
// breaks up long straight-line code. TrashBlocks adds dead dispatcher cases.
// Hardening names the dispatcher hardenings, see HardeningNames.
type Params struct {
	BlockSplits   int
	JunkJumps     int
	FlattenPasses int
	TrashBlocks   int
	Hardening     []string
}

// DefaultParams returns the parameters used when none are configured.
func DefaultParams() Params {
	return Params{
		BlockSplits:   defaultBlockSplits,
		JunkJumps:     defaultJunkJumps,
		FlattenPasses: defaultFlattenPasses,
		TrashBlocks:   defaultTrashBlocks,
	}
}

var knownParams = []string{"block_splits", "junk_jumps", "flatten_passes", "trash_blocks", "flatten_hardening"}

// ParseParams parses a parameter string such as
//
//	flatten_passes=1 junk_jumps=2 block_splits=max flatten_hardening=xor,delegate_table
//
// Missing keys keep their defaults.
func ParseParams(s string) (Params, error) {
	p := DefaultParams()
	m := parseParamMap(s)
	for key := range m {
		if !slices.Contains(knownParams, key) {
			return p, fmt.Errorf("unknown controlflow parameter %q", key)
		}
	}
	var err error
	if p.BlockSplits, err = m.GetInt("block_splits", defaultBlockSplits, maxBlockSplits); err != nil {
		return p, err
	}
	if p.JunkJumps, err = m.GetInt("junk_jumps", defaultJunkJumps, maxJunkJumps); err != nil {
		return p, err
	}
	if p.FlattenPasses, err = m.GetInt("flatten_passes", defaultFlattenPasses, maxFlattenPasses); err != nil {
		return p, err
	}
	if p.TrashBlocks, err = m.GetInt("trash_blocks", defaultTrashBlocks, maxTrashBlocks); err != nil {
		return p, err
	}
	p.Hardening = m.StringSlice("flatten_hardening")
	return p, p.Validate()
}

// Validate checks the ranges and hardening names.
func (p Params) Validate() error {
	switch {
	case p.BlockSplits < 0, p.JunkJumps < 0 || p.JunkJumps > maxJunkJumps:
		return fmt.Errorf("controlflow parameters out of range: %+v", p)
	case p.FlattenPasses < 0 || p.FlattenPasses > maxFlattenPasses:
		return fmt.Errorf("flatten_passes must be in [0, %d], got %d", maxFlattenPasses, p.FlattenPasses)
	case p.TrashBlocks < 0 || p.TrashBlocks > maxTrashBlocks:
		return fmt.Errorf("trash_blocks must be in [0, %d], got %d", maxTrashBlocks, p.TrashBlocks)
	}
	for _, h := range p.Hardening {
		if _, ok := hardeningTypes[h]; !ok {
			return fmt.Errorf("unknown flatten_hardening %q, want one of %s", h, strings.Join(HardeningNames(), ", "))
		}
	}
	return nil
}

func (p Params) String() string {
	s := fmt.Sprintf("block_splits=%d junk_jumps=%d flatten_passes=%d trash_blocks=%d",
		p.BlockSplits, p.JunkJumps, p.FlattenPasses, p.TrashBlocks)
	if len(p.Hardening) > 0 {
		s += " flatten_hardening=" + strings.Join(p.Hardening, ",")
	}
	return s
}

func eligibleForAuto(r *bytecode.Routine) bool {
	return slices.ContainsFunc(r.Body, func(in bytecode.Instr) bool { return in.Op.IsBranch() })
}

func shouldObfuscate(mode Mode, r *bytecode.Routine) bool {
	switch mode {
	case ModeOff:
		return false
	case ModeAuto:
		return eligibleForAuto(r)
	case ModeAll:
		return true
	default:
		return false
	}
}

// Result reports what Obfuscate did. Graphs holds the final graph of every
// rewritten routine, keyed by routine index, for DOT dumps.
type Result struct {
	Routines []int
	Skipped  []int
	Graphs   map[int]*Graph
}

// Obfuscate rewrites routines of mod in place. Routines the mode does not
// select, or whose stack is not empty at every block boundary, are skipped.
// Rewritten routines keep their entry, arguments and results.
func Obfuscate(mod *bytecode.Module, routines []int, mode Mode, params Params, rand *mathrand.Rand) (*Result, error) {
	res := &Result{Graphs: make(map[int]*Graph)}
	if !mode.Enabled() {
		debugf("control-flow disabled (mode=%v)", mode)
		return res, nil
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.FlattenPasses == 0 {
		log.Warningf("flatten_passes=0 leaves control flow unchanged")
	}
	hardening := newDispatcherHardening(params.Hardening)

	for _, idx := range routines {
		r := mod.Routines[idx]
		if !shouldObfuscate(mode, r) {
			debugf("%s: skip (mode=%v)", r.Name, mode)
			res.Skipped = append(res.Skipped, idx)
			continue
		}
		g, err := Build(mod, r)
		if errors.Is(err, ErrStackAtBoundary) {
			debugf("%s: skip: %v", r.Name, err)
			res.Skipped = append(res.Skipped, idx)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("routine %s: %w", r.Name, err)
		}

		for range params.BlockSplits {
			if !applySplitting(g, rand) {
				break // no more candidates for splitting
			}
		}
		if params.JunkJumps > 0 {
			addJunkBlocks(g, params.JunkJumps, rand)
		}
		for pass := range params.FlattenPasses {
			if pass > 0 {
				// later passes dispatch over the lowered previous pass
				prev, err := g.Emit(shuffledOrder(g, rand))
				if err != nil {
					return nil, fmt.Errorf("routine %s: %w", r.Name, err)
				}
				next := r.Clone()
				next.Body, next.Locals = prev, g.Locals
				if g, err = Build(mod, next); err != nil {
					return nil, fmt.Errorf("routine %s: %w", r.Name, err)
				}
			}
			applyFlattening(g, params.TrashBlocks, hardening, rand)
		}
		body, err := g.Emit(shuffledOrder(g, rand))
		if err != nil {
			return nil, fmt.Errorf("routine %s: %w", r.Name, err)
		}

		out := r.Clone()
		out.Body, out.Locals = body, g.Locals
		if _, err := bytecode.StackDepths(mod, out); err != nil {
			return nil, fmt.Errorf("routine %s: rewritten body is invalid: %w", r.Name, err)
		}
		mod.Routines[idx] = out
		res.Routines = append(res.Routines, idx)
		res.Graphs[idx] = g
		debugf("%s: %d -> %d instructions", r.Name, len(r.Body), len(body))
	}
	log.Infof("control flow: %d routines rewritten, %d skipped", len(res.Routines), len(res.Skipped))
	return res, nil
}
