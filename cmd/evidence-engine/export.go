// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/evidence-engine/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a variant with its extractions, aggregate and stages",
	Long: `Export writes everything stored for a variant as one YAML or JSON bundle:
the variant, its paper metadata, each paper's extraction with the geometry of
the cited boxes, the aggregate assessment and the stage records. Annotation
and report tools consume this bundle.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().String("variant-id", "", "variant identifier (required)")
	exportCmd.Flags().String("format", "yaml", "output format: yaml or json")
	exportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")
	exportCmd.MarkFlagRequired("variant-id")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	variantID, _ := cmd.Flags().GetString("variant-id")
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := store.LoadBundle(ctx, a.store, variantID)
	if err != nil {
		return fmt.Errorf("loading %s: %w", variantID, err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return store.WriteBundle(w, b, format)
}
