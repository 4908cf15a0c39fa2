//go:build mage

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// variantEnv reads the variant to run from the environment.
func variantEnv(names ...string) (map[string]string, error) {
	vals := make(map[string]string, len(names))
	for _, name := range names {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("set %s", name)
		}
		vals[name] = v
	}
	return vals, nil
}

func stage(args ...string) error {
	fmt.Printf("==> evidence-engine %v\n", args)
	return sh.RunV(binPath(), args...)
}

// Pipeline runs query, download, convert, extract and aggregate for the
// variant in $VARIANT_ID, $GENE and $HGVS_C. Papers that fail a stage are
// reported and left for a later run; the pipeline continues with the rest.
func Pipeline() error {
	mg.Deps(Build)

	env, err := variantEnv("VARIANT_ID", "GENE", "HGVS_C")
	if err != nil {
		return err
	}
	id := env["VARIANT_ID"]

	if err := stage("query", "--variant-id", id, "--gene", env["GENE"], "--hgvs", env["HGVS_C"]); err != nil {
		return err
	}
	for _, name := range []string{"download", "convert", "extract"} {
		if err := stage(name, "--variant-id", id); err != nil {
			fmt.Printf("%s: %v (continuing)\n", name, err)
		}
	}
	if err := stage("aggregate", "--variant-id", id); err != nil {
		return err
	}
	return stage("status", "--variant-id", id)
}

// Export writes the bundle for $VARIANT_ID to data/<id>.yaml.
func Export() error {
	mg.Deps(Build)

	env, err := variantEnv("VARIANT_ID")
	if err != nil {
		return err
	}
	id := env["VARIANT_ID"]
	return stage("export", "--variant-id", id, "--output", fmt.Sprintf("data/%s.yaml", id))
}
