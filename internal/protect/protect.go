// Package protect runs constant protection over a module: collection,
// pooling, encoding, decoder synthesis, optional control-flow obfuscation
// of the decoder and patching of every site.
package protect

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/AeonDave/constprot/internal/bytecode"
	"github.com/AeonDave/constprot/internal/consts"
	"github.com/AeonDave/constprot/internal/ctrlflow"
	"github.com/AeonDave/constprot/internal/literals"
	"github.com/AeonDave/constprot/internal/patch"
	"github.com/AeonDave/constprot/internal/pipeline"
)

var log = commonlog.GetLogger("constprot.protect")

var (
	// ErrInconsistent is returned when a generated decoder does not
	// reproduce a constant exactly.
	ErrInconsistent = errors.New("decoded constant does not match its site")
	// ErrUnchanged is returned when an emitted module hashes like its input
	// although sites were patched.
	ErrUnchanged = errors.New("protected module is identical to its input")
)

// State is a point a run has reached.
type State uint8

const (
	StateInput State = iota
	StateCollected
	StatePoolBuilt
	StateEncoded
	StateDecoderSynthesized
	StateCFGObfuscated
	StateSelfChecked
	StatePatched
	StateEmitted
)

var stateNames = [...]string{
	"Input", "Collected", "PoolBuilt", "Encoded", "DecoderSynthesized",
	"CFGObfuscated", "SelfChecked", "Patched", "Emitted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Report describes a finished run.
type Report struct {
	Mode     literals.Mode
	Elements consts.Mask
	CFG      ctrlflow.Mode

	Sites   int
	Skipped []consts.Skip
	Pinned  int
	Entries int

	Decoder *literals.Decoder
	// Graphs holds the flattened decoder graphs by routine name.
	Graphs map[string]*ctrlflow.Graph

	States     []State
	InputHash  string
	OutputHash string
}

// Final returns the last state reached.
func (r *Report) Final() State {
	if len(r.States) == 0 {
		return StateInput
	}
	return r.States[len(r.States)-1]
}

type run struct {
	cfg    Config
	mod    *bytecode.Module
	key    *literals.Key
	enc    *literals.Encoder
	found  *consts.Result
	pool   *literals.Pool
	coded  *literals.Encoded
	report *Report
}

// Protect returns a protected copy of mod. mod itself is never modified;
// on any error no module is returned. A zero Elements mask, or a module
// without any collectable site, yields an unchanged copy.
func Protect(ctx context.Context, mod *bytecode.Module, cfg Config) (*bytecode.Module, *Report, error) {
	if err := cfg.CFGParams.Validate(); err != nil {
		return nil, nil, &ConfigError{Option: SettingCFGParams, Value: cfg.CFGParams.String(), Err: err}
	}
	seed := cfg.Seed
	if seed == nil {
		var err error
		if seed, err = literals.RandomSeed(); err != nil {
			return nil, nil, err
		}
	}
	key, err := literals.NewKey(seed)
	if err != nil {
		return nil, nil, &ConfigError{Option: SettingSeed, Value: fmt.Sprintf("%x", seed), Err: err}
	}
	defer key.Zero()

	enc, err := literals.NewEncoder(cfg.Mode, key, mod.Target)
	if err != nil {
		return nil, nil, &ConfigError{Option: SettingMode, Value: cfg.Mode.String(), Err: err}
	}
	in, err := bytecode.HashHex(mod)
	if err != nil {
		return nil, nil, err
	}

	r := &run{
		cfg: cfg,
		mod: mod.Clone(),
		key: key,
		enc: enc,
		report: &Report{
			Mode:      cfg.Mode,
			Elements:  cfg.Elements,
			CFG:       cfg.CFG,
			Graphs:    make(map[string]*ctrlflow.Graph),
			InputHash: in,
		},
	}
	if err := r.pipeline().Execute(ctx, r); err != nil {
		return nil, nil, err
	}
	return r.mod, r.report, nil
}

// record wraps a stage so that the run notes state once it succeeds.
func record(s State, fn func(*run, context.Context) error) func(context.Context, *run) error {
	return func(ctx context.Context, r *run) error {
		if err := fn(r, ctx); err != nil {
			return err
		}
		r.report.States = append(r.report.States, s)
		return nil
	}
}

func (r *run) hasSites() bool { return len(r.found.Sites) > 0 }

func (r *run) withCFG() bool { return r.hasSites() && r.cfg.CFG.Enabled() }

func (r *run) pipeline() *pipeline.Pipeline[*run] {
	p := pipeline.New[*run]()
	p.Add(pipeline.NewFuncStep("collect", record(StateCollected, (*run).collect)))
	p.Add(pipeline.NewOptionalStep("pool", (*run).hasSites, record(StatePoolBuilt, (*run).buildPool)))
	p.Add(pipeline.NewOptionalStep("encode", (*run).hasSites, record(StateEncoded, (*run).encode)))
	p.Add(pipeline.NewOptionalStep("synthesize", (*run).hasSites, record(StateDecoderSynthesized, (*run).synthesize)))
	p.Add(pipeline.NewOptionalStep("ctrlflow", (*run).withCFG, record(StateCFGObfuscated, (*run).obfuscate)))
	p.Add(pipeline.NewOptionalStep("selfcheck", (*run).hasSites, record(StateSelfChecked, (*run).selfCheck)))
	p.Add(pipeline.NewOptionalStep("patch", (*run).hasSites, record(StatePatched, (*run).patch)))
	p.Add(pipeline.NewFuncStep("emit", record(StateEmitted, (*run).emit)))
	return p
}

func (r *run) collect(ctx context.Context) error {
	res, err := consts.Collect(ctx, r.mod, r.cfg.Elements, consts.Options{Workers: r.cfg.Workers})
	if err != nil {
		return err
	}
	r.found = res
	r.report.Sites = len(res.Sites)
	r.report.Skipped = res.Skipped
	r.report.Pinned = res.Pinned
	if len(res.Sites) == 0 {
		log.Warningf("no constants to protect (elements=%s)", r.cfg.Elements)
	}
	return nil
}

func (r *run) buildPool(context.Context) error {
	r.pool = literals.BuildPool(r.found.Sites)
	r.report.Entries = len(r.pool.Entries)
	return nil
}

func (r *run) encode(context.Context) error {
	r.coded = r.enc.Encode(r.pool)
	return nil
}

func (r *run) synthesize(context.Context) error {
	d, err := r.enc.Synthesize(r.mod, r.coded, r.key.Rand("names"))
	if err != nil {
		return err
	}
	r.report.Decoder = d
	return nil
}

func (r *run) obfuscate(context.Context) error {
	res, err := ctrlflow.Obfuscate(r.mod, r.report.Decoder.Routines(), r.cfg.CFG, r.cfg.CFGParams, r.key.Rand("ctrlflow"))
	if err != nil {
		return err
	}
	for idx, g := range res.Graphs {
		r.report.Graphs[r.mod.Routines[idx].Name] = g
	}
	return nil
}

func (r *run) selfCheck(context.Context) error {
	return checkDecoder(r.mod, r.report.Decoder, r.pool, r.coded)
}

func (r *run) patch(ctx context.Context) error {
	reps := make([]patch.Replacement, len(r.found.Sites))
	for i, s := range r.found.Sites {
		id := r.pool.SiteIDs[i]
		w, ok := r.report.Decoder.Wrapper(literals.ShapeOf(s.Value))
		if !ok {
			return fmt.Errorf("no wrapper for %s site", literals.ShapeOf(s.Value))
		}
		reps[i] = patch.Replacement{Site: s, Key: r.coded.Keys[id], Wrapper: w}
	}
	_, err := patch.Apply(ctx, r.mod, reps)
	return err
}

func (r *run) emit(context.Context) error {
	if err := bytecode.Verify(r.mod); err != nil {
		return err
	}
	out, err := bytecode.HashHex(r.mod)
	if err != nil {
		return err
	}
	r.report.OutputHash = out
	if len(r.found.Sites) > 0 && out == r.report.InputHash {
		return ErrUnchanged
	}
	log.Infof("protected %d sites (%d entries, mode %s): %s -> %s",
		r.report.Sites, r.report.Entries, r.cfg.Mode, r.report.InputHash, out)
	return nil
}
