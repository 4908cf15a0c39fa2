// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// ErrStructural is matched by every *StructuralError.
var ErrStructural = errors.New("structurally invalid payload")

// StructuralError lists why a payload was rejected. The violations are fed
// back to the model on the next self-correction attempt.
type StructuralError struct {
	Violations []string
}

func (e *StructuralError) Error() string {
	return "structural validation failed: " + strings.Join(e.Violations, "; ")
}

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

func structural(format string, args ...any) *StructuralError {
	return &StructuralError{Violations: []string{fmt.Sprintf(format, args...)}}
}

// Universe answers whether a citation target exists.
type Universe interface {
	Resolve(c Citation) (ok bool, reason types.DefectReason)
}

// BoxSet is the box universe of one paper.
type BoxSet map[int]bool

// NewBoxSet returns a BoxSet holding ids.
func NewBoxSet(ids ...int) BoxSet {
	s := make(BoxSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func (s BoxSet) Resolve(c Citation) (bool, types.DefectReason) {
	if s[c.BoxID] {
		return true, ""
	}
	return false, types.ReasonBoxNotFound
}

// PaperBoxes is the union universe for aggregation, keyed by PMID.
type PaperBoxes map[int]BoxSet

func (p PaperBoxes) Resolve(c Citation) (bool, types.DefectReason) {
	boxes, ok := p[c.PMID]
	if !ok {
		return false, types.ReasonPaperNotExtracted
	}
	return boxes.Resolve(c)
}

// Result is a structurally valid payload with its referential defects.
type Result struct {
	// Payload is the decoded result after policy application.
	Payload any
	// JSON is the stored form of Payload. It is the model's JSON verbatim
	// unless citations were dropped.
	JSON json.RawMessage
	// Citations lists the citations kept in Payload.
	Citations []Citation
	Defects   []types.Defect
}

// Validator checks payloads against one Schema.
type Validator struct {
	schema   Schema
	resolved *jsonschema.Resolved
}

// NewValidator resolves the schema document once for repeated use.
func NewValidator(s Schema) (*Validator, error) {
	doc := new(jsonschema.Schema)
	if err := doc.UnmarshalJSON(s.Document()); err != nil {
		return nil, fmt.Errorf("parsing schema %s: %w", s.Name(), err)
	}
	resolved, err := doc.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving schema %s: %w", s.Name(), err)
	}
	return &Validator{schema: s, resolved: resolved}, nil
}

// Schema returns the schema being validated against.
func (v *Validator) Schema() Schema { return v.schema }

// Validate checks raw model output. A *StructuralError is returned when the
// payload does not match the schema, or when policy is PolicyRetry and a
// citation does not resolve in u.
func (v *Validator) Validate(raw string, u Universe, policy types.ReferentialPolicy) (*Result, error) {
	body, err := ExtractJSON(raw)
	if err != nil {
		return nil, structural("%v", err)
	}

	var payload any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, structural("response is not valid JSON: %v", err)
	}
	if err := v.resolved.Validate(payload); err != nil {
		return nil, structural("%v", err)
	}

	citations, err := v.schema.Citations(payload)
	if err != nil {
		return nil, structural("%v", err)
	}

	res := &Result{Payload: payload, JSON: json.RawMessage(body)}
	drop := make(map[string]bool)
	for _, c := range citations {
		ok, reason := u.Resolve(c)
		if ok {
			res.Citations = append(res.Citations, c)
			continue
		}
		res.Defects = append(res.Defects, types.Defect{
			Item:    c.Item,
			Path:    c.Path,
			PMID:    c.PMID,
			BoxID:   c.BoxID,
			Reason:  reason,
			Dropped: policy == types.PolicyDrop,
		})
		if policy == types.PolicyDrop {
			drop[c.Path] = true
		} else {
			res.Citations = append(res.Citations, c)
		}
	}

	if len(res.Defects) == 0 {
		return res, nil
	}

	switch policy {
	case types.PolicyRetry:
		return nil, defectsError(res.Defects)
	case types.PolicyDrop:
		ps, ok := v.schema.(*PathSchema)
		if !ok {
			return nil, fmt.Errorf("schema %s does not support dropping citations", v.schema.Name())
		}
		pruned := ps.without(payload, drop)
		// Dropping can leave an evidence item without citations.
		if err := v.resolved.Validate(pruned); err != nil {
			return nil, structural("after dropping unresolvable citations: %v", err)
		}
		data, err := json.Marshal(pruned)
		if err != nil {
			return nil, fmt.Errorf("encoding pruned payload: %w", err)
		}
		res.Payload = pruned
		res.JSON = data
	}
	return res, nil
}

func defectsError(defects []types.Defect) *StructuralError {
	e := &StructuralError{}
	for _, d := range defects {
		switch d.Reason {
		case types.ReasonPaperNotExtracted:
			e.Violations = append(e.Violations, fmt.Sprintf("%s: pmid %d is not an extracted paper", d.Path, d.PMID))
		default:
			if d.PMID != 0 {
				e.Violations = append(e.Violations, fmt.Sprintf("%s: box_id %d not found in pmid %d", d.Path, d.BoxID, d.PMID))
			} else {
				e.Violations = append(e.Violations, fmt.Sprintf("%s: box_id %d not found in document", d.Path, d.BoxID))
			}
		}
	}
	return e
}

// ExtractJSON returns the JSON object in a model response, tolerating a
// surrounding markdown code fence or leading prose.
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "{") {
		return s, nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", errors.New("response contains no JSON object")
	}
	return s[start : end+1], nil
}
