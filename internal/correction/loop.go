// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package correction runs the bounded self-correction loop shared by the
// extraction and aggregation engines. Each attempt invokes the model with
// the base prompt plus the violations of every earlier attempt, then
// validates the response. Only structural violations are retried here;
// transient model failures are retried by the model layer.
package correction

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/schema"
)

// DefaultMaxAttempts bounds the loop when no limit is configured.
const DefaultMaxAttempts = 3

var (
	// ErrModelInvocationFailed wraps an error returned by the model after
	// its own retry budget was spent.
	ErrModelInvocationFailed = errors.New("model invocation failed")

	// ErrSchemaValidationFailed is returned when every attempt produced a
	// structurally invalid payload.
	ErrSchemaValidationFailed = errors.New("schema validation failed")
)

// Attempt is one model call followed by validation of its response.
type Attempt struct {
	// Invoke sends prompt to the model and returns the raw response text.
	Invoke func(ctx context.Context, prompt string) (string, error)

	// Validate checks a raw response. A *schema.StructuralError triggers
	// another attempt; any other error ends the loop.
	Validate func(raw string) (*schema.Result, error)
}

// Outcome is the accepted attempt.
type Outcome struct {
	Raw      string
	Result   *schema.Result
	Attempts int
	// Rejected holds the violations of the attempts before the accepted one.
	Rejected [][]string
}

// Loop is a bounded self-correction loop.
type Loop struct {
	MaxAttempts int
	Logger      *zap.Logger
}

// Run executes attempts until one validates or MaxAttempts is reached.
func (l Loop) Run(ctx context.Context, base string, a Attempt) (*Outcome, error) {
	limit := l.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var rejected [][]string
	for n := 1; n <= limit; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := a.Invoke(ctx, Prompt(base, rejected))
		if err != nil {
			return nil, fmt.Errorf("%w: attempt %d: %v", ErrModelInvocationFailed, n, err)
		}

		res, err := a.Validate(raw)
		if err == nil {
			return &Outcome{Raw: raw, Result: res, Attempts: n, Rejected: rejected}, nil
		}

		var se *schema.StructuralError
		if !errors.As(err, &se) {
			return nil, err
		}
		log.Info("model response rejected",
			zap.Int("attempt", n),
			zap.Int("max_attempts", limit),
			zap.Strings("violations", se.Violations))
		rejected = append(rejected, se.Violations)
	}

	last := rejected[len(rejected)-1]
	return nil, fmt.Errorf("%w after %d attempts: %s", ErrSchemaValidationFailed, limit, strings.Join(last, "; "))
}

// Prompt renders base followed by the violations of earlier attempts.
func Prompt(base string, rejected [][]string) string {
	if len(rejected) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n---\nYour earlier responses were rejected. Fix every problem listed below and respond again with a single corrected JSON object.\n")
	for i, violations := range rejected {
		fmt.Fprintf(&b, "\nAttempt %d:\n", i+1)
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	return b.String()
}
