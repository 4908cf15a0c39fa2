// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package literature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"

	"github.com/pdiddy/evidence-engine/internal/httputil"
)

var mastermindURL = "https://mastermind.genomenon.com/api/v2/articles"

// Mastermind queries the Genomenon Mastermind articles API.
type Mastermind struct {
	Client    *http.Client
	Token     string
	UserAgent string
}

type mastermindPage struct {
	Pages    int `json:"pages"`
	Articles []struct {
		PMID json.Number `json:"pmid"`
	} `json:"articles"`
}

// Lookup pages through every article for "<gene>:<c.>".
func (m *Mastermind) Lookup(ctx context.Context, gene, hgvs string) ([]int, error) {
	variant := gene + ":" + codingChange(hgvs)

	var pmids []int
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("api_token", m.Token)
		q.Set("variant", variant)
		q.Set("page", strconv.Itoa(page))

		var resp mastermindPage
		if err := getJSON(ctx, m.Client, mastermindURL+"?"+q.Encode(), m.UserAgent, &resp); err != nil {
			// The request URL carries the token; report the status only.
			var se *httputil.StatusError
			if errors.As(err, &se) {
				return nil, fmt.Errorf("mastermind %s page %d: status %d", variant, page, se.StatusCode)
			}
			return nil, fmt.Errorf("mastermind %s page %d: %w", variant, page, err)
		}

		for _, a := range resp.Articles {
			if a.PMID == "" {
				continue
			}
			n, err := strconv.Atoi(a.PMID.String())
			if err != nil {
				return nil, fmt.Errorf("mastermind returned pmid %q: %w", a.PMID, err)
			}
			pmids = append(pmids, n)
		}
		if page >= resp.Pages {
			break
		}
	}

	slices.Sort(pmids)
	return slices.Compact(pmids), nil
}
