// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package literature

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"
)

var litvarBaseURL = "https://www.ncbi.nlm.nih.gov/research/litvar2-api/variant"

// LitVar queries NCBI LitVar2.
type LitVar struct {
	Client    *http.Client
	UserAgent string
}

type litvarMatch struct {
	ID         string   `json:"_id"`
	Name       string   `json:"name"`
	RSID       string   `json:"rsid"`
	Genes      []string `json:"gene"`
	PMIDsCount int      `json:"pmids_count"`
}

// Lookup resolves "<gene> <c.>" through autocomplete, keeps the first
// match for gene and returns its publications.
func (l *LitVar) Lookup(ctx context.Context, gene, hgvs string) ([]int, error) {
	query := gene + " " + codingChange(hgvs)

	var matches []litvarMatch
	u := litvarBaseURL + "/autocomplete/?query=" + url.QueryEscape(query)
	if err := getJSON(ctx, l.Client, u, l.UserAgent, &matches); err != nil {
		return nil, fmt.Errorf("litvar autocomplete %q: %w", query, err)
	}

	var selected *litvarMatch
	for i := range matches {
		if slices.ContainsFunc(matches[i].Genes, func(g string) bool { return strings.EqualFold(g, gene) }) {
			selected = &matches[i]
			break
		}
	}
	if selected == nil {
		zap.L().Warn("no litvar match for gene", zap.String("query", query), zap.Int("matches", len(matches)))
		return nil, nil
	}
	zap.L().Info("litvar variant selected",
		zap.String("name", selected.Name),
		zap.String("rsid", selected.RSID),
		zap.Int("pmids", selected.PMIDsCount))

	// LitVar ids look like "litvar@rs1800312##"; only @ and # need escaping.
	id := strings.NewReplacer("@", "%40", "#", "%23").Replace(selected.ID)
	var pubs struct {
		PMIDs []int `json:"pmids"`
	}
	if err := getJSON(ctx, l.Client, litvarBaseURL+"/get/"+id+"/publications", l.UserAgent, &pubs); err != nil {
		return nil, fmt.Errorf("litvar publications for %s: %w", selected.ID, err)
	}

	pmids := slices.Clone(pubs.PMIDs)
	slices.Sort(pmids)
	return slices.Compact(pmids), nil
}
