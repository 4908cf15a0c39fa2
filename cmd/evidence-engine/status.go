// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stage state of a variant and its papers",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("variant-id", "", "variant identifier (required)")
	statusCmd.Flags().String("stage", "", "show one stage only")
	statusCmd.MarkFlagRequired("variant-id")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	only, _ := cmd.Flags().GetString("stage")
	if only != "" && !types.Stage(only).Valid() {
		return fmt.Errorf("unknown stage %q", only)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.store.GetVariant(ctx, variantID)
	if err != nil {
		return fmt.Errorf("loading variant %s: %w", variantID, err)
	}
	recs, err := a.tracker.List(ctx, variantID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s %s  (%d papers)\n\n", v.ID, v.Gene, v.HGVSc, len(v.PMIDs))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PMID\tSTAGE\tSTATE\tATTEMPTS\tUPDATED\tERROR")
	for _, r := range recs {
		if only != "" && string(r.Stage) != only {
			continue
		}
		pmid := "-"
		if r.Unit.PMID != 0 {
			pmid = fmt.Sprint(r.Unit.PMID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			pmid, r.Stage, r.State, r.Attempts, r.UpdatedAt.Local().Format(time.DateTime), truncate(r.LastError, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
