// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package convert turns acquired PDFs into Documents of addressable boxes.
// Backends are docling-serve, a docling container image and the PDF text
// layer. A Document is owned by its PMID and shared by every variant that
// cites the paper.
package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/acquire"
	"github.com/pdiddy/evidence-engine/internal/container"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Converter transforms a PDF file into a Document.
type Converter interface {
	// Name identifies the backend in logs and stored documents.
	Name() string

	// Convert reads the PDF at pdfPath. The returned Document has no PMID.
	Convert(ctx context.Context, pdfPath string) (*types.Document, error)
}

// ErrPDFMissing is returned when the paper has no PDF on disk.
var ErrPDFMissing = errors.New("no pdf for paper")

// New returns the converter selected by cfg.Backend (docling-serve when
// empty).
func New(ctx context.Context, cfg types.ConversionConfig, client *http.Client) (Converter, error) {
	switch cfg.Backend {
	case "", types.BackendDoclingServe:
		opts := []Option{WithToken(cfg.Token), WithPollInterval(cfg.PollInterval)}
		if client != nil {
			opts = append(opts, WithClient(client))
		}
		return NewDoclingServe(cfg.URL, opts...)
	case types.BackendDoclingContainer:
		rt, err := container.DetectRuntime(ctx)
		if err != nil {
			return nil, err
		}
		return NewDoclingContainer(ctx, rt, cfg.Image)
	case types.BackendTextLayer:
		return TextLayer{}, nil
	}
	return nil, fmt.Errorf("unknown conversion backend %q", cfg.Backend)
}

// Service runs the convert stage for (variant, paper) units.
type Service struct {
	Store     store.Store
	Tracker   *stage.Tracker
	Converter Converter
	PapersDir string
	Logger    *zap.Logger
}

// Result is the outcome of ConvertPaper.
type Result struct {
	Document *types.Document

	// Skipped is set when the stage was already complete.
	Skipped bool

	// Reused is set when the paper was already converted for another variant.
	Reused bool
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// ConvertPaper converts the PDF of pmid and stores the Document together
// with the stage completion. An existing Document for pmid is reused
// unless force is set; forcing replaces it, which can leave earlier
// extractions citing boxes of the previous conversion.
func (s *Service) ConvertPaper(ctx context.Context, variantID string, pmid int, force bool) (*Result, error) {
	unit := types.PaperUnit(variantID, pmid)
	log := s.logger().With(zap.String("variant_id", variantID), zap.Int("pmid", pmid))

	if !force {
		done, err := s.Tracker.IsComplete(ctx, unit, types.StageConvert)
		if err != nil {
			return nil, err
		}
		if done {
			return &Result{Skipped: true}, nil
		}
	}

	begin := s.Tracker.Begin
	if force {
		begin = s.Tracker.Restart
	}
	run, err := begin(ctx, unit, types.StageConvert)
	if err != nil {
		return nil, err
	}

	res, err := s.convert(ctx, pmid, force)
	if err == nil {
		err = s.Tracker.Complete(ctx, run, func(tx store.Tx) error {
			if res.Reused {
				return nil
			}
			return tx.PutDocument(ctx, res.Document)
		})
	}
	if err != nil {
		if ferr := s.Tracker.Fail(context.WithoutCancel(ctx), run, err); ferr != nil {
			log.Warn("recording conversion failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("converting %s: %w", unit, err)
	}

	log.Info("paper converted",
		zap.Bool("reused", res.Reused),
		zap.Int("pages", len(res.Document.Pages)),
		zap.Int("boxes", res.Document.BoxCount()))
	return res, nil
}

func (s *Service) convert(ctx context.Context, pmid int, force bool) (*Result, error) {
	if !force {
		doc, err := s.Store.GetDocument(ctx, pmid)
		if err == nil {
			return &Result{Document: doc, Reused: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	path, err := s.pdfPath(ctx, pmid)
	if err != nil {
		return nil, err
	}
	doc, err := s.Converter.Convert(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc.BoxCount() == 0 {
		return nil, fmt.Errorf("%s produced no boxes for %s", s.Converter.Name(), path)
	}
	doc.PMID = pmid
	return &Result{Document: doc}, nil
}

func (s *Service) pdfPath(ctx context.Context, pmid int) (string, error) {
	path := acquire.PDFPath(s.PapersDir, pmid)
	if p, err := s.Store.GetPaper(ctx, pmid); err == nil && p.PDFPath != "" {
		path = p.PDFPath
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrPDFMissing, path)
	}
	return path, nil
}

// BatchResult holds the outcome of a batch conversion run.
type BatchResult struct {
	Converted int
	Skipped   int
	Failed    int
}

// Total returns the total number of papers processed.
func (r BatchResult) Total() int {
	return r.Converted + r.Skipped + r.Failed
}

// HasFailures reports whether any papers failed conversion.
func (r BatchResult) HasFailures() bool {
	return r.Failed > 0
}

// ConvertAll converts every paper of the variant whose download is
// complete, printing per-paper status to w. Papers not yet downloaded are
// skipped.
func (s *Service) ConvertAll(ctx context.Context, variantID string, force bool, w io.Writer) (BatchResult, error) {
	v, err := s.Store.GetVariant(ctx, variantID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("loading variant %s: %w", variantID, err)
	}

	var result BatchResult
	for _, pmid := range v.PMIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		downloaded, err := s.Tracker.IsComplete(ctx, types.PaperUnit(variantID, pmid), types.StageDownload)
		if err != nil {
			return result, err
		}
		if !downloaded {
			fmt.Fprintf(w, "skipped: %d (not downloaded)\n", pmid)
			result.Skipped++
			continue
		}

		res, err := s.ConvertPaper(ctx, variantID, pmid, force)
		switch {
		case err != nil:
			fmt.Fprintf(w, "failed:  %d (%v)\n", pmid, err)
			result.Failed++
		case res.Skipped:
			fmt.Fprintf(w, "skipped: %d (already converted)\n", pmid)
			result.Skipped++
		case res.Reused:
			fmt.Fprintf(w, "reused: %d (%d boxes)\n", pmid, res.Document.BoxCount())
			result.Converted++
		default:
			fmt.Fprintf(w, "converted: %d (%d boxes)\n", pmid, res.Document.BoxCount())
			result.Converted++
		}
	}
	return result, nil
}
