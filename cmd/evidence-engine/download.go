// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/acquire"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download paper PDFs from the PMC open-access archive",
	Long: `Download fetches the PDF of every paper of a variant, or of one paper with
--pmid, into papers_dir as <pmid>.pdf. Papers already downloaded are skipped.
A PDF placed in papers_dir by hand is recorded without fetching, which covers
papers PMC does not carry.`,
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().String("variant-id", "", "variant identifier (required)")
	downloadCmd.Flags().Int("pmid", 0, "download one paper only")
	downloadCmd.Flags().Bool("force", false, "download again even when complete")
	downloadCmd.MarkFlagRequired("variant-id")

	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	pmid, _ := cmd.Flags().GetInt("pmid")
	force, _ := cmd.Flags().GetBool("force")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	d := a.downloader()
	out := cmd.OutOrStdout()

	if pmid != 0 {
		return a.lease(ctx, types.StageDownload, types.PaperUnit(variantID, pmid), func(ctx context.Context) error {
			res, err := d.Download(ctx, variantID, pmid, force)
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintf(out, "skipped: %d (already downloaded)\n", pmid)
				return nil
			}
			fmt.Fprintf(out, "downloaded: %d (%s) %s\n", pmid, res.Source, res.Path)
			return nil
		})
	}

	var result acquire.BatchResult
	err = a.lease(ctx, types.StageDownload, types.VariantUnit(variantID), func(ctx context.Context) error {
		result, err = d.DownloadAll(ctx, variantID, force, out)
		return err
	})
	if err != nil {
		return err
	}
	if result.HasFailures() {
		return fmt.Errorf("%d paper(s) failed download", result.Failed)
	}
	return nil
}
