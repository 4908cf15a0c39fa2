// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/literature"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Find the papers that mention a variant",
	Long: `Query creates the variant on first use and looks up the papers that mention
it in the configured literature source (LitVar or Mastermind). New PMIDs are
appended to the variant; known ones are kept. Variant details from
VariantValidator and paper metadata from PubMed are stored when available.`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().String("variant-id", "", "variant identifier (required)")
	queryCmd.Flags().String("gene", "", "HGNC gene symbol, e.g. GAA (required)")
	queryCmd.Flags().String("hgvs", "", "HGVS coding notation, e.g. NM_000152.5:c.2238G>C (required)")
	queryCmd.MarkFlagRequired("variant-id")
	queryCmd.MarkFlagRequired("gene")
	queryCmd.MarkFlagRequired("hgvs")

	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	gene, _ := cmd.Flags().GetString("gene")
	hgvs, _ := cmd.Flags().GetString("hgvs")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.querier()
	if err != nil {
		return err
	}

	var res *literature.QueryResult
	err = a.lease(ctx, types.StageQuery, types.VariantUnit(variantID), func(ctx context.Context) error {
		res, err = q.Query(ctx, variantID, gene, hgvs)
		return err
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "variant: %s (%s %s)\n", res.Variant.ID, res.Variant.Gene, res.Variant.HGVSc)
	fmt.Fprintf(out, "found: %d papers (%d new)\n", res.Found, res.Added)
	fmt.Fprintf(out, "described: %d\n", res.Described)
	fmt.Fprintf(out, "total: %d papers\n", len(res.Variant.PMIDs))
	return nil
}
