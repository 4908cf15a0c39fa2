// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package promptset loads the prompt templates and result schemas used by
// the extraction and aggregation engines. A prompt set is a directory
// holding promptset.yaml, two text/template prompts and two JSON Schema
// documents. The generic set is compiled into the binary.
package promptset

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/evidence-engine/internal/schema"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultName is the prompt set used when none is configured.
const DefaultName = "generic"

const manifestFile = "promptset.yaml"

//go:embed sets
var embedded embed.FS

type manifest struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Extraction  manifestSection `yaml:"extraction"`
	Aggregate   manifestSection `yaml:"aggregate"`
}

type manifestSection struct {
	System    string `yaml:"system"`
	Prompt    string `yaml:"prompt"`
	Schema    string `yaml:"schema"`
	Citations string `yaml:"citations"`
	Relevance string `yaml:"relevance"`
}

// Set is a loaded prompt set.
type Set struct {
	Name        string
	Description string
	Extraction  *Stage
	Aggregate   *Stage
}

// Stage is the prompt and result schema for one engine.
type Stage struct {
	System    string
	Schema    *schema.PathSchema
	Validator *schema.Validator
	tmpl      *template.Template
}

// ExtractionData is the template context for per-paper prompts.
type ExtractionData struct {
	Variant        types.Variant
	VariantDetails string
	PMID           int
	Paper          string
	Truncated      bool
}

// AggregateData is the template context for aggregation prompts.
type AggregateData struct {
	Variant        types.Variant
	VariantDetails string
	Papers         []AggregatePaper
}

// AggregatePaper is one paper presented to the aggregation prompt.
type AggregatePaper struct {
	PMID         int
	Title        string
	Authors      string
	Date         string
	Evidence     string
	CitableBoxes []int
}

// Render executes the stage's prompt template.
func (s *Stage) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering %s prompt: %w", s.Schema.Name(), err)
	}
	return buf.String(), nil
}

// Load reads the named prompt set. When dir is empty the embedded sets are
// used, otherwise dir must contain one subdirectory per set.
func Load(name, dir string) (*Set, error) {
	if name == "" {
		name = DefaultName
	}
	fsys, err := root(dir)
	if err != nil {
		return nil, err
	}

	data, err := fs.ReadFile(fsys, path.Join(name, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("prompt set %q: %w", name, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s manifest: %w", name, err)
	}
	if m.Name == "" {
		m.Name = name
	}

	set := &Set{Name: m.Name, Description: strings.TrimSpace(m.Description)}
	if set.Extraction, err = loadStage(fsys, name, "extraction", schema.KindPaper, m.Extraction); err != nil {
		return nil, err
	}
	if set.Aggregate, err = loadStage(fsys, name, "aggregate", schema.KindAggregate, m.Aggregate); err != nil {
		return nil, err
	}
	return set, nil
}

// Names lists the prompt sets available under dir, or the embedded ones
// when dir is empty.
func Names(dir string) ([]string, error) {
	fsys, err := root(dir)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing prompt sets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := fs.Stat(fsys, path.Join(e.Name(), manifestFile)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func root(dir string) (fs.FS, error) {
	if dir == "" {
		return fs.Sub(embedded, "sets")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompt set directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompt set directory %s is not a directory", dir)
	}
	return os.DirFS(dir), nil
}

func loadStage(fsys fs.FS, set, stage string, kind schema.Kind, sec manifestSection) (*Stage, error) {
	if sec.Prompt == "" || sec.Schema == "" || sec.Citations == "" {
		return nil, fmt.Errorf("prompt set %s: %s needs prompt, schema and citations", set, stage)
	}

	tmplText, err := fs.ReadFile(fsys, path.Join(set, sec.Prompt))
	if err != nil {
		return nil, fmt.Errorf("prompt set %s: %w", set, err)
	}
	tmpl, err := template.New(stage).Funcs(funcs).Option("missingkey=error").Parse(string(tmplText))
	if err != nil {
		return nil, fmt.Errorf("prompt set %s: parsing %s: %w", set, sec.Prompt, err)
	}

	doc, err := fs.ReadFile(fsys, path.Join(set, sec.Schema))
	if err != nil {
		return nil, fmt.Errorf("prompt set %s: %w", set, err)
	}
	ps, err := schema.NewPathSchema(stage, kind, json.RawMessage(doc), sec.Citations, sec.Relevance)
	if err != nil {
		return nil, fmt.Errorf("prompt set %s: %w", set, err)
	}
	v, err := schema.NewValidator(ps)
	if err != nil {
		return nil, fmt.Errorf("prompt set %s: %w", set, err)
	}

	return &Stage{
		System:    strings.TrimSpace(sec.System),
		Schema:    ps,
		Validator: v,
		tmpl:      tmpl,
	}, nil
}

var funcs = template.FuncMap{
	"join": func(ids []int) string {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.Itoa(id)
		}
		return strings.Join(parts, ", ")
	},
}
