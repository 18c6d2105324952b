// Package workflow runs operations as sequences of named steps. The Inline
// runner executes steps directly; the Engine records every completed step so
// an interrupted instance can resume without repeating finished work.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zhouzirui/chat-relay/backend/internal/observability"
)

// StepFunc produces the JSON-encoded result of one step.
type StepFunc func(ctx context.Context) ([]byte, error)

// StepRunner executes a named step and returns its encoded result.
type StepRunner interface {
	Do(ctx context.Context, name string, fn StepFunc) ([]byte, error)
}

// Inline runs every step immediately with no bookkeeping.
type Inline struct{}

func (Inline) Do(ctx context.Context, _ string, fn StepFunc) ([]byte, error) {
	return fn(ctx)
}

// Do runs fn as the step called name on runner and decodes its result.
func Do[T any](ctx context.Context, runner StepRunner, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, span := observability.StartSpan(ctx, "workflow.step", attribute.String("workflow.step", name))
	raw, err := runner.Do(ctx, name, func(ctx context.Context) ([]byte, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	observability.EndSpan(span, err)
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("decode step %q: %w", name, err)
	}
	return out, nil
}
