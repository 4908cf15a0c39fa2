// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"
)

var variantCmd = &cobra.Command{
	Use:   "variant",
	Short: "List and inspect variants",
}

var variantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the variants in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		variants, err := a.store.ListVariants(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tGENE\tHGVS\tPAPERS")
		for _, v := range variants {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", v.ID, v.Gene, v.HGVSc, len(v.PMIDs))
		}
		return tw.Flush()
	},
}

var variantShowCmd = &cobra.Command{
	Use:   "show <variant-id>",
	Short: "Print a variant and its paper metadata as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.store.GetVariant(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loading variant %s: %w", args[0], err)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	},
}

func init() {
	variantCmd.AddCommand(variantListCmd, variantShowCmd)
	rootCmd.AddCommand(variantCmd)
}
