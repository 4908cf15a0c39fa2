// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultTaskQueue is used when the config names none.
const DefaultTaskQueue = "evidence-engine"

// Dial connects to the Temporal frontend in cfg, logging through logger.
func Dial(cfg types.TemporalConfig, logger *zap.Logger) (client.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    zapAdapter{logger.Sugar()},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// TaskQueue returns the configured task queue or the default.
func TaskQueue(cfg types.TemporalConfig) string {
	if cfg.TaskQueue == "" {
		return DefaultTaskQueue
	}
	return cfg.TaskQueue
}

// Register adds the workflow and a's activities to w.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflow(VariantWorkflow)
	w.RegisterActivity(a)
}

// Start begins a run for in. It fails if a run for the same variant is
// already in progress.
func Start(ctx context.Context, c client.Client, taskQueue string, in VariantInput) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        ID(in.VariantID),
		TaskQueue: taskQueue,

		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, VariantWorkflow, in)
	if err != nil {
		return nil, fmt.Errorf("starting workflow for %s: %w", in.VariantID, err)
	}
	return run, nil
}

// GetStatus queries the progress of the latest run for variantID.
func GetStatus(ctx context.Context, c client.Client, variantID string) (*Status, error) {
	resp, err := c.QueryWorkflow(ctx, ID(variantID), "", QueryStatus)
	if err != nil {
		return nil, fmt.Errorf("querying workflow for %s: %w", variantID, err)
	}
	var s Status
	if err := resp.Get(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// zapAdapter satisfies the Temporal SDK logger with key-value pairs.
type zapAdapter struct {
	s *zap.SugaredLogger
}

func (z zapAdapter) Debug(msg string, keyvals ...interface{}) { z.s.Debugw(msg, keyvals...) }
func (z zapAdapter) Info(msg string, keyvals ...interface{})  { z.s.Infow(msg, keyvals...) }
func (z zapAdapter) Warn(msg string, keyvals ...interface{})  { z.s.Warnw(msg, keyvals...) }
func (z zapAdapter) Error(msg string, keyvals ...interface{}) { z.s.Errorw(msg, keyvals...) }
