package pipeline

import (
	"context"
	"testing"
)

func BenchmarkPipeline(b *testing.B) {
	ctx := context.Background()
	pipe := New[*struct{}]()
	pipe.Add(NewFuncStep("step", func(context.Context, *struct{}) error { return nil }))

	for b.Loop() {
		if err := pipe.Execute(ctx, &struct{}{}); err != nil {
			b.Fatalf("execution failed: %v", err)
		}
	}
}
