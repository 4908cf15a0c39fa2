// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdiddy/evidence-engine/internal/container"
	"github.com/pdiddy/evidence-engine/internal/document"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultDoclingImage ships the docling CLI.
const DefaultDoclingImage = "ghcr.io/docling-project/docling-serve-cpu:latest"

// DoclingContainer converts PDFs by running the docling CLI in a container
// with the PDF's directory mounted read-only.
type DoclingContainer struct {
	runtime container.Runtime
	image   string
}

// NewDoclingContainer verifies that image exists locally in rt.
func NewDoclingContainer(ctx context.Context, rt container.Runtime, image string) (*DoclingContainer, error) {
	if image == "" {
		image = DefaultDoclingImage
	}
	if err := rt.ImageExists(ctx, image); err != nil {
		return nil, fmt.Errorf("docling image not available in %s: %w", rt.Name(), err)
	}
	return &DoclingContainer{runtime: rt, image: image}, nil
}

func (d *DoclingContainer) Name() string { return string(types.BackendDoclingContainer) }

func (d *DoclingContainer) Convert(ctx context.Context, pdfPath string) (*types.Document, error) {
	abs, err := filepath.Abs(pdfPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPDFMissing, pdfPath)
	}

	out, err := os.MkdirTemp("", "docling-*")
	if err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	defer os.RemoveAll(out)

	name := filepath.Base(abs)
	_, err = d.runtime.Run(ctx, container.RunSpec{
		Image: d.image,
		Mounts: []container.Mount{
			{Host: filepath.Dir(abs), Container: "/in", ReadOnly: true},
			{Host: out, Container: "/out"},
		},
		Args: []string{"docling", "--from", "pdf", "--to", "json", "--no-ocr", "--output", "/out", "/in/" + name},
	})
	if err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(filepath.Join(out, strings.TrimSuffix(name, filepath.Ext(name))+".json"))
	if err != nil {
		return nil, fmt.Errorf("reading docling output for %s: %w", name, err)
	}
	return document.ParseDocling(payload)
}
