// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package schema validates AI-model output against a pluggable result
// shape. Validation has two tiers: structural violations reject the payload,
// while citations naming unknown boxes are reported as defects on an
// otherwise valid result.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind distinguishes per-paper from aggregate result shapes.
type Kind string

const (
	// KindPaper results cite boxes of a single paper by box_id.
	KindPaper Kind = "paper"
	// KindAggregate results cite (pmid, box_id) pairs across papers.
	KindAggregate Kind = "aggregate"
)

// Citation is one citation found in a payload.
type Citation struct {
	// Item is the path of the owning evidence item, empty when citations
	// sit directly under the root.
	Item string
	// Path locates the citation object.
	Path  string
	PMID  int
	BoxID int
}

// Schema is the capability contract every result shape satisfies. The
// validator relies on nothing else about the payload.
type Schema interface {
	// Name identifies the schema within its prompt set.
	Name() string

	// Kind reports whether this is a per-paper or aggregate shape.
	Kind() Kind

	// Document returns the JSON Schema handed to the model and used for
	// structural validation.
	Document() json.RawMessage

	// Citations enumerates every citation in a decoded payload.
	Citations(payload any) ([]Citation, error)

	// IdentityFields names the fields identifying a citation target:
	// ["box_id"] or ["pmid", "box_id"].
	IdentityFields() []string
}

// Relevance is implemented by schemas that can say whether a per-paper
// result is about the variant at all.
type Relevance interface {
	Relevant(payload any) bool
}

type segment struct {
	key   string
	array bool
}

// PathSchema implements Schema from a JSON Schema document and a citation
// path such as "evidence[].citations[]".
type PathSchema struct {
	name      string
	kind      Kind
	doc       json.RawMessage
	path      []segment
	relevance string
}

// NewPathSchema builds a PathSchema. relevanceField may be empty.
func NewPathSchema(name string, kind Kind, doc json.RawMessage, citationPath, relevanceField string) (*PathSchema, error) {
	if kind != KindPaper && kind != KindAggregate {
		return nil, fmt.Errorf("unknown schema kind %q", kind)
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("schema %s: document is not valid JSON", name)
	}
	path, err := parsePath(citationPath)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return &PathSchema{name: name, kind: kind, doc: doc, path: path, relevance: relevanceField}, nil
}

func parsePath(p string) ([]segment, error) {
	if p == "" {
		return nil, fmt.Errorf("empty citation path")
	}
	var segs []segment
	for _, part := range strings.Split(p, ".") {
		seg := segment{key: strings.TrimSuffix(part, "[]")}
		seg.array = seg.key != part
		if seg.key == "" {
			return nil, fmt.Errorf("bad citation path %q", p)
		}
		segs = append(segs, seg)
	}
	if !segs[len(segs)-1].array {
		return nil, fmt.Errorf("citation path %q must end in an array", p)
	}
	return segs, nil
}

func (s *PathSchema) Name() string              { return s.name }
func (s *PathSchema) Kind() Kind                { return s.kind }
func (s *PathSchema) Document() json.RawMessage { return s.doc }

func (s *PathSchema) IdentityFields() []string {
	if s.kind == KindAggregate {
		return []string{"pmid", "box_id"}
	}
	return []string{"box_id"}
}

// Relevant reads the configured boolean relevance field. Schemas without
// one treat every result as relevant.
func (s *PathSchema) Relevant(payload any) bool {
	if s.relevance == "" {
		return true
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	v, ok := obj[s.relevance].(bool)
	return ok && v
}

func (s *PathSchema) Citations(payload any) ([]Citation, error) {
	var out []Citation
	err := s.walk(payload, 0, "", "", func(obj map[string]any, path, item string) error {
		c := Citation{Path: path, Item: item}
		var err error
		if c.BoxID, err = intField(obj, "box_id"); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if s.kind == KindAggregate {
			if c.PMID, err = intField(obj, "pmid"); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// walk visits every citation object along the path. item tracks the first
// array element on the path when the path has more than one array level.
func (s *PathSchema) walk(node any, depth int, prefix, item string, visit func(map[string]any, string, string) error) error {
	seg := s.path[depth]
	obj, ok := node.(map[string]any)
	if !ok {
		return fmt.Errorf("%s: expected object", displayPath(prefix))
	}
	child, ok := obj[seg.key]
	if !ok {
		return fmt.Errorf("%s: missing field %q", displayPath(prefix), seg.key)
	}
	here := joinPath(prefix, seg.key)
	last := depth == len(s.path)-1

	if !seg.array {
		return s.walk(child, depth+1, here, item, visit)
	}

	elems, ok := child.([]any)
	if !ok {
		return fmt.Errorf("%s: expected array", here)
	}
	for i, e := range elems {
		elemPath := fmt.Sprintf("%s[%d]", here, i)
		elemItem := item
		if elemItem == "" && !last {
			elemItem = elemPath
		}
		if last {
			citation, ok := e.(map[string]any)
			if !ok {
				return fmt.Errorf("%s: expected object", elemPath)
			}
			if err := visit(citation, elemPath, elemItem); err != nil {
				return err
			}
			continue
		}
		if err := s.walk(e, depth+1, elemPath, elemItem, visit); err != nil {
			return err
		}
	}
	return nil
}

// without returns a copy of payload with the citations at the given paths
// removed.
func (s *PathSchema) without(payload any, drop map[string]bool) any {
	return s.prune(payload, 0, "", drop)
}

func (s *PathSchema) prune(node any, depth int, prefix string, drop map[string]bool) any {
	obj, ok := node.(map[string]any)
	if !ok || depth >= len(s.path) {
		return node
	}
	seg := s.path[depth]
	child, ok := obj[seg.key]
	if !ok {
		return node
	}

	copied := make(map[string]any, len(obj))
	for k, v := range obj {
		copied[k] = v
	}
	here := joinPath(prefix, seg.key)

	if !seg.array {
		copied[seg.key] = s.prune(child, depth+1, here, drop)
		return copied
	}

	elems, ok := child.([]any)
	if !ok {
		return node
	}
	kept := make([]any, 0, len(elems))
	for i, e := range elems {
		elemPath := fmt.Sprintf("%s[%d]", here, i)
		if depth == len(s.path)-1 {
			if !drop[elemPath] {
				kept = append(kept, e)
			}
			continue
		}
		kept = append(kept, s.prune(e, depth+1, elemPath, drop))
	}
	copied[seg.key] = kept
	return copied
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func displayPath(p string) string {
	if p == "" {
		return "$"
	}
	return p
}

func intField(obj map[string]any, name string) (int, error) {
	v, ok := obj[name]
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("field %q is not an integer", name)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer", name)
		}
		return int(i), nil
	}
	return 0, fmt.Errorf("field %q is not a number", name)
}
