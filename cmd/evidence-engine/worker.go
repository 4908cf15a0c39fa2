// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/evidence-engine/internal/api"
	"github.com/pdiddy/evidence-engine/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline stages for Temporal workflows",
	Long: `Worker polls the configured Temporal task queue and runs the variant
workflow and its stage activities against the configured store. With
--metrics-addr it also serves /metrics and the read-only API.`,
	RunE: runWorker,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a Temporal workflow that runs every stage for a variant",
	Long: `Run starts the variant workflow: query, then download, convert and extract
for each paper, then aggregate. At most one workflow runs per variant. With
--callback-url the workflow POSTs {"variant_id", "run_id"} when it ends,
whether or not it succeeded.`,
	RunE: runRun,
}

var runStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the progress of the latest workflow for a variant",
	RunE:  runRunStatus,
}

func init() {
	workerCmd.Flags().String("metrics-addr", "", "serve metrics and the API on this address")
	rootCmd.AddCommand(workerCmd)

	runCmd.Flags().String("variant-id", "", "variant identifier (required)")
	runCmd.Flags().String("gene", "", "HGNC gene symbol (required)")
	runCmd.Flags().String("hgvs", "", "HGVS coding notation (required)")
	runCmd.Flags().Bool("force", false, "re-run extraction and aggregation even when complete")
	runCmd.Flags().Int("parallelism", 0, "papers processed at once (default 4)")
	runCmd.Flags().String("callback-url", "", "URL notified when the workflow ends")
	runCmd.Flags().Bool("wait", false, "wait for the workflow to finish and print its result")
	runCmd.MarkFlagRequired("variant-id")
	runCmd.MarkFlagRequired("gene")
	runCmd.MarkFlagRequired("hgvs")

	runStatusCmd.Flags().String("variant-id", "", "variant identifier (required)")
	runStatusCmd.MarkFlagRequired("variant-id")

	runCmd.AddCommand(runStatusCmd)
	rootCmd.AddCommand(runCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	acts, err := activities(ctx, a)
	if err != nil {
		return err
	}

	c, err := workflow.Dial(a.cfg.Temporal, a.logger)
	if err != nil {
		return err
	}
	defer c.Close()

	queue := workflow.TaskQueue(a.cfg.Temporal)
	w := worker.New(c, queue, worker.Options{})
	workflow.Register(w, acts)

	g, ctx := errgroup.WithContext(ctx)
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		g.Go(func() error {
			return api.New(a.store, a.metrics, a.logger).Serve(ctx, addr)
		})
	}
	g.Go(func() error {
		a.logger.Info("worker listening",
			zap.String("host_port", a.cfg.Temporal.HostPort),
			zap.String("task_queue", queue))
		if err := w.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		w.Stop()
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// activities builds the stage services a worker runs.
func activities(ctx context.Context, a *app) (*workflow.Activities, error) {
	q, err := a.querier()
	if err != nil {
		return nil, err
	}
	conv, err := a.converter(ctx)
	if err != nil {
		return nil, err
	}
	ext, err := a.extractor(ctx, false)
	if err != nil {
		return nil, err
	}
	agg, err := a.aggregator(ctx, false)
	if err != nil {
		return nil, err
	}
	return &workflow.Activities{
		Querier:    q,
		Downloader: a.downloader(),
		Converter:  conv,
		Extractor:  ext,
		Aggregator: agg,
		HTTPClient: a.httpClient(),
	}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	in := workflow.VariantInput{}
	in.VariantID, _ = cmd.Flags().GetString("variant-id")
	in.Gene, _ = cmd.Flags().GetString("gene")
	in.HGVSc, _ = cmd.Flags().GetString("hgvs")
	in.Force, _ = cmd.Flags().GetBool("force")
	in.Parallelism, _ = cmd.Flags().GetInt("parallelism")
	in.CallbackURL, _ = cmd.Flags().GetString("callback-url")
	wait, _ := cmd.Flags().GetBool("wait")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := workflow.Dial(cfg.Temporal, zap.L())
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	run, err := workflow.Start(ctx, c, workflow.TaskQueue(cfg.Temporal), in)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "started %s (run %s)\n", run.GetID(), run.GetRunID())
	if !wait {
		return nil
	}

	var result workflow.VariantOutput
	if err := run.Get(ctx, &result); err != nil {
		return err
	}
	return printJSON(out, result)
}

func runRunStatus(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := workflow.Dial(cfg.Temporal, zap.L())
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := workflow.GetStatus(cmd.Context(), c, variantID)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
