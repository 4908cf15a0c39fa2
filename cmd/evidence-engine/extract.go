// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/extract"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract cited findings from converted papers",
	Long: `Extract asks the AI model for the findings about the variant in each
converted paper. The response must match the prompt set's extraction schema
and every citation must name a box of that paper's document; malformed
responses are sent back to the model with the validation errors, a bounded
number of times. Papers already extracted are skipped unless --force is set.

--dry-run prints the prompts instead of calling the model. --verify re-checks
stored extractions against the current documents without calling the model.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().String("variant-id", "", "variant identifier (required)")
	extractCmd.Flags().Int("pmid", 0, "extract one paper only")
	extractCmd.Flags().Bool("force", false, "re-extract even when complete")
	extractCmd.Flags().Bool("dry-run", false, "print the prompt without calling the model")
	extractCmd.Flags().Bool("verify", false, "re-check stored citations against the current documents")
	extractCmd.Flags().Int("concurrency", 0, "papers extracted in parallel (default extraction.concurrency)")
	extractCmd.MarkFlagRequired("variant-id")
	extractCmd.MarkFlagsMutuallyExclusive("dry-run", "verify")

	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	pmid, _ := cmd.Flags().GetInt("pmid")
	force, _ := cmd.Flags().GetBool("force")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	verify, _ := cmd.Flags().GetBool("verify")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if concurrency > 0 {
		a.cfg.Extraction.Concurrency = concurrency
	}
	engine, err := a.extractor(ctx, dryRun || verify)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if verify {
		return runVerify(ctx, cmd, engine, variantID)
	}

	opts := extract.Options{Force: force, DryRun: dryRun}
	if pmid != 0 {
		return a.lease(ctx, types.StageExtract, types.PaperUnit(variantID, pmid), func(ctx context.Context) error {
			res, err := engine.Extract(ctx, variantID, pmid, opts)
			if err != nil {
				return err
			}
			switch {
			case dryRun:
				fmt.Fprintln(out, res.Prompt)
			case res.Skipped:
				fmt.Fprintf(out, "skipped %d\n", pmid)
			default:
				fmt.Fprintf(out, "extracted %d (%d findings, %d defects, %d attempts)\n",
					pmid, res.Findings, len(res.Extraction.Defects), res.Extraction.Attempts)
			}
			return nil
		})
	}

	var summary extract.BatchSummary
	err = a.lease(ctx, types.StageExtract, types.VariantUnit(variantID), func(ctx context.Context) error {
		summary, err = engine.ExtractAll(ctx, variantID, opts, out)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nextracted: %d  skipped: %d  failed: %d\n", summary.Extracted, summary.Skipped, summary.Failed)
	if summary.HasFailures() {
		return fmt.Errorf("%d paper(s) failed extraction", summary.Failed)
	}
	return nil
}

func runVerify(ctx context.Context, cmd *cobra.Command, engine *extract.Engine, variantID string) error {
	reports, err := engine.Verify(ctx, variantID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	broken := 0
	for _, r := range reports {
		switch {
		case r.Err != nil:
			fmt.Fprintf(out, "error   %d: %v\n", r.PMID, r.Err)
			broken++
		case len(r.Defects) > 0:
			fmt.Fprintf(out, "defects %d: %d unresolved citation(s)%s\n", r.PMID, len(r.Defects), staleNote(r.Stale))
			for _, d := range r.Defects {
				fmt.Fprintf(out, "  %s box %d: %s\n", d.Path, d.BoxID, d.Reason)
			}
			broken++
		default:
			fmt.Fprintf(out, "ok      %d%s\n", r.PMID, staleNote(r.Stale))
		}
	}
	if broken > 0 {
		return fmt.Errorf("%d extraction(s) have unresolved citations", broken)
	}
	return nil
}

func staleNote(stale bool) string {
	if stale {
		return " (document reconverted since extraction)"
	}
	return ""
}
