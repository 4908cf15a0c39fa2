// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/convert"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert downloaded PDFs into documents with addressable boxes",
	Long: `Convert runs the configured backend (docling-serve, a docling container or
the PDF text layer) over the downloaded PDFs of a variant and stores each
result as a document whose boxes carry stable ids. A paper already converted
for another variant is reused. Use --force to reconvert; extractions made
against the previous conversion can then be checked with extract --verify.`,
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().String("variant-id", "", "variant identifier (required)")
	convertCmd.Flags().Int("pmid", 0, "convert one paper only")
	convertCmd.Flags().Bool("force", false, "reconvert even when complete")
	convertCmd.Flags().String("backend", "", "override conversion.backend: docling-serve, docling-container, textlayer")
	convertCmd.MarkFlagRequired("variant-id")

	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	pmid, _ := cmd.Flags().GetInt("pmid")
	force, _ := cmd.Flags().GetBool("force")
	backend, _ := cmd.Flags().GetString("backend")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if backend != "" {
		a.cfg.Conversion.Backend = types.ConversionBackend(backend)
	}
	svc, err := a.converter(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if pmid != 0 {
		return a.lease(ctx, types.StageConvert, types.PaperUnit(variantID, pmid), func(ctx context.Context) error {
			res, err := svc.ConvertPaper(ctx, variantID, pmid, force)
			if err != nil {
				return err
			}
			switch {
			case res.Skipped:
				fmt.Fprintf(out, "skipped: %d (already converted)\n", pmid)
			case res.Reused:
				fmt.Fprintf(out, "reused: %d (%d boxes)\n", pmid, res.Document.BoxCount())
			default:
				fmt.Fprintf(out, "converted: %d (%d boxes)\n", pmid, res.Document.BoxCount())
			}
			return nil
		})
	}

	var result convert.BatchResult
	err = a.lease(ctx, types.StageConvert, types.VariantUnit(variantID), func(ctx context.Context) error {
		result, err = svc.ConvertAll(ctx, variantID, force, out)
		return err
	})
	if err != nil {
		return err
	}
	if result.HasFailures() {
		return fmt.Errorf("%d paper(s) failed conversion", result.Failed)
	}
	return nil
}
