package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/go-quicktest/qt"
)

type state struct {
	ordered []string
	skip    bool
}

func record(name string) func(context.Context, *state) error {
	return func(_ context.Context, s *state) error {
		s.ordered = append(s.ordered, name)
		return nil
	}
}

func TestPipelineExecutesStepsInOrder(t *testing.T) {
	s := &state{}
	pipe := New[*state]()
	pipe.Add(NewFuncStep("first", record("first")))
	pipe.Add(NewFuncStep("second", record("second")))

	if err := pipe.Execute(context.Background(), s); err != nil {
		t.Fatalf("pipeline execute returned error: %v", err)
	}

	if len(s.ordered) != 2 || s.ordered[0] != "first" || s.ordered[1] != "second" {
		t.Fatalf("unexpected execution order: %v", s.ordered)
	}
	qt.Assert(t, qt.DeepEquals(pipe.Completed(), []string{"first", "second"}))
}

func TestPipelineWrapsStepErrors(t *testing.T) {
	pipe := New[*state]()
	errBoom := errors.New("boom")
	pipe.Add(NewFuncStep("ok", record("ok")))
	pipe.Add(NewFuncStep("failing", func(context.Context, *state) error {
		return errBoom
	}))
	pipe.Add(NewFuncStep("never", record("never")))

	s := &state{}
	err := pipe.Execute(context.Background(), s)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped error to contain original message, got %v", err)
	}
	qt.Assert(t, qt.ErrorMatches(err, "failing step failed: boom"))
	qt.Assert(t, qt.DeepEquals(pipe.Completed(), []string{"ok"}))
	qt.Assert(t, qt.DeepEquals(s.ordered, []string{"ok"}))
}

func TestPipelineOptionalSteps(t *testing.T) {
	pipe := New[*state]()
	pipe.Add(NewFuncStep("a", record("a")))
	pipe.Add(NewOptionalStep("b", func(s *state) bool { return !s.skip }, record("b")))
	pipe.Add(NewFuncStep("c", record("c")))

	s := &state{skip: true}
	qt.Assert(t, qt.IsNil(pipe.Execute(context.Background(), s)))
	qt.Assert(t, qt.DeepEquals(s.ordered, []string{"a", "c"}))
	qt.Assert(t, qt.DeepEquals(pipe.Completed(), []string{"a", "c"}))

	s = &state{}
	qt.Assert(t, qt.IsNil(pipe.Execute(context.Background(), s)))
	qt.Assert(t, qt.DeepEquals(pipe.Completed(), []string{"a", "b", "c"}))
}

func TestPipelineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pipe := New[*state]()
	pipe.Add(NewFuncStep("first", func(context.Context, *state) error {
		cancel()
		return nil
	}))
	pipe.Add(NewFuncStep("second", record("second")))

	s := &state{}
	err := pipe.Execute(ctx, s)
	qt.Assert(t, qt.ErrorIs(err, context.Canceled))
	qt.Assert(t, qt.ErrorMatches(err, "second step failed: context canceled"))
	qt.Assert(t, qt.HasLen(s.ordered, 0))
}
