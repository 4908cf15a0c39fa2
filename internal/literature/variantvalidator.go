// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package literature

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/pdiddy/evidence-engine/internal/httputil"
)

var variantValidatorURL = "https://rest.variantvalidator.org/VariantValidator/variantvalidator"

// VariantValidator fetches normalized variant descriptions from the
// VariantValidator REST API on GRCh38 against the MANE Select transcript.
type VariantValidator struct {
	Client    *http.Client
	UserAgent string
}

// Details returns the VariantValidator payload for hgvs verbatim.
func (v *VariantValidator) Details(ctx context.Context, hgvs string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/GRCh38/%s/mane_select?content-type=application/json",
		variantValidatorURL, url.PathEscape(hgvs))
	body, err := httputil.GetBody(ctx, v.Client, u, header(v.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("variantvalidator %s: %w", hgvs, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("variantvalidator %s: response is not json", hgvs)
	}
	return json.RawMessage(body), nil
}
