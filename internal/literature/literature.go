// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package literature finds the papers that discuss a variant and fetches
// the variant and paper details shown to the model. Sources are LitVar
// and Mastermind; VariantValidator supplies variant details and PubMed
// supplies bibliographic metadata.
package literature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Source names.
const (
	SourceLitVar     = "litvar"
	SourceMastermind = "mastermind"
)

// ErrNoToken is returned when Mastermind is selected without an API token.
var ErrNoToken = errors.New("mastermind api token not set")

// Source looks up the papers that mention a variant.
type Source interface {
	// Lookup returns the PMIDs for gene and hgvs in ascending order.
	Lookup(ctx context.Context, gene, hgvs string) ([]int, error)
}

// NewSource returns the source named by cfg.Source (LitVar when empty).
func NewSource(client *http.Client, cfg types.LiteratureConfig) (Source, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	switch cfg.Source {
	case "", SourceLitVar:
		return &LitVar{Client: client, UserAgent: cfg.UserAgent}, nil
	case SourceMastermind:
		if cfg.MastermindToken == "" {
			return nil, ErrNoToken
		}
		return &Mastermind{Client: client, Token: cfg.MastermindToken, UserAgent: cfg.UserAgent}, nil
	}
	return nil, fmt.Errorf("unknown literature source %q", cfg.Source)
}

// codingChange strips a transcript prefix from HGVS notation.
func codingChange(hgvs string) string {
	if _, after, ok := strings.Cut(hgvs, ":"); ok {
		return after
	}
	return hgvs
}

func header(userAgent string) http.Header {
	h := http.Header{"Accept": []string{"application/json"}}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return h
}

func getJSON(ctx context.Context, client *http.Client, url, userAgent string, v any) error {
	body, err := httputil.GetBody(ctx, client, url, header(userAgent))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}
