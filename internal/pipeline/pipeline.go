// Package pipeline runs named steps over a shared value.
package pipeline

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("constprot.pipeline")

// Step represents a discrete unit of work executed within a pipeline.
// Implementations should mutate the provided value and return an error
// when the pipeline should halt.
type Step[C any] interface {
	Name() string
	Run(ctx context.Context, c C) error
}

// FuncStep allows registering plain functions as pipeline steps.
type FuncStep[C any] struct {
	name string
	fn   func(context.Context, C) error
	when func(C) bool
}

// Name returns the human readable identifier for the step.
func (s FuncStep[C]) Name() string { return s.name }

// Run executes the wrapped function.
func (s FuncStep[C]) Run(ctx context.Context, c C) error { return s.fn(ctx, c) }

// Enabled reports whether the step applies to c. Steps without a condition
// always apply.
func (s FuncStep[C]) Enabled(c C) bool { return s.when == nil || s.when(c) }

// NewFuncStep constructs a pipeline step from the provided function.
func NewFuncStep[C any](name string, fn func(context.Context, C) error) FuncStep[C] {
	return FuncStep[C]{name: name, fn: fn}
}

// NewOptionalStep constructs a step that only runs when when(c) is true.
func NewOptionalStep[C any](name string, when func(C) bool, fn func(context.Context, C) error) FuncStep[C] {
	return FuncStep[C]{name: name, fn: fn, when: when}
}

type conditional[C any] interface {
	Enabled(c C) bool
}

// Pipeline orchestrates the sequential execution of registered steps.
type Pipeline[C any] struct {
	steps []Step[C]
	done  []string
}

// New returns an empty pipeline.
func New[C any]() *Pipeline[C] { return &Pipeline[C]{} }

// Add appends a step to the pipeline.
func (p *Pipeline[C]) Add(step Step[C]) {
	p.steps = append(p.steps, step)
}

// Completed returns the names of the steps the last Execute finished, in
// order. Skipped optional steps are not listed.
func (p *Pipeline[C]) Completed() []string { return p.done }

// Execute runs all steps in order, passing the shared value to each.
// An error returned by any step stops execution and is wrapped with the
// failing step's name for easier debugging. Cancellation of ctx is checked
// between steps.
func (p *Pipeline[C]) Execute(ctx context.Context, c C) error {
	p.done = p.done[:0]
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s step failed: %w", step.Name(), err)
		}
		if cs, ok := step.(conditional[C]); ok && !cs.Enabled(c) {
			log.Debugf("skip %s", step.Name())
			continue
		}
		if err := step.Run(ctx, c); err != nil {
			return fmt.Errorf("%s step failed: %w", step.Name(), err)
		}
		p.done = append(p.done, step.Name())
		log.Debugf("%s done", step.Name())
	}
	return nil
}
