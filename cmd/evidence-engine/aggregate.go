// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/aggregate"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Fold the per-paper extractions into one variant assessment",
	Long: `Aggregate presents the extractions of every paper that discusses the variant
to the AI model and stores its cross-paper assessment. Each citation in the
assessment must name a (pmid, box_id) pair that the paper's extraction
actually cited. An assessment already stored is kept unless --force is set.`,
	RunE: runAggregate,
}

func init() {
	aggregateCmd.Flags().String("variant-id", "", "variant identifier (required)")
	aggregateCmd.Flags().Bool("force", false, "re-aggregate even when complete")
	aggregateCmd.Flags().Bool("dry-run", false, "print the prompt and citation space without calling the model")
	aggregateCmd.MarkFlagRequired("variant-id")

	rootCmd.AddCommand(aggregateCmd)
}

func runAggregate(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	force, _ := cmd.Flags().GetBool("force")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, err := a.aggregator(ctx, dryRun)
	if err != nil {
		return err
	}

	var res *aggregate.Result
	err = a.lease(ctx, types.StageAggregate, types.VariantUnit(variantID), func(ctx context.Context) error {
		res, err = engine.Aggregate(ctx, variantID, aggregate.Options{Force: force, DryRun: dryRun})
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case dryRun:
		fmt.Fprintln(out, res.Prompt)
		fmt.Fprintln(out, "--- citation space ---")
		pmids := make([]int, 0, len(res.CitationSpace))
		for pmid := range res.CitationSpace {
			pmids = append(pmids, pmid)
		}
		slices.Sort(pmids)
		for _, pmid := range slices.Backward(pmids) {
			fmt.Fprintf(out, "%d: %v\n", pmid, res.CitationSpace[pmid])
		}
	case res.Skipped:
		fmt.Fprintf(out, "skipped %s (already aggregated)\n", variantID)
	default:
		fmt.Fprintf(out, "aggregated %s (%d papers, %d defects, %d attempts)\n",
			variantID, len(res.Assessment.PMIDs), len(res.Assessment.Defects), res.Assessment.Attempts)
	}
	return nil
}
