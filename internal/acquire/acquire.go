// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package acquire downloads the PDFs of a variant's papers into the papers
// directory and records the download stage for each (variant, paper) unit.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultDownloadDelay separates consecutive PMC downloads in a batch.
const DefaultDownloadDelay = time.Second

// ErrVariantNotFound is returned when the variant does not exist.
var ErrVariantNotFound = errors.New("variant not found")

// Fetcher retrieves the PDF of one paper to destPath and returns the
// identifier of the copy it fetched.
type Fetcher interface {
	Fetch(ctx context.Context, pmid int, destPath string) (string, error)
}

// Downloader acquires paper PDFs for variants.
type Downloader struct {
	Store   store.Store
	Tracker *stage.Tracker
	Fetcher Fetcher

	// PapersDir holds one <pmid>.pdf per paper.
	PapersDir string

	// Delay separates consecutive fetches in DownloadAll.
	Delay time.Duration

	Logger *zap.Logger
}

// PDFPath returns where the PDF of pmid is stored under papersDir.
func PDFPath(papersDir string, pmid int) string {
	return filepath.Join(papersDir, strconv.Itoa(pmid)+".pdf")
}

// Result is the outcome of Download.
type Result struct {
	Path string

	// Skipped is set when the stage was already complete.
	Skipped bool

	// Local is set when the PDF was already on disk, e.g. placed there by
	// hand for a paper PMC does not carry.
	Local bool

	Source string
}

func (d *Downloader) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Download acquires the PDF of pmid for the variant. A PDF already present
// in the papers directory is recorded without fetching. When force is
// false a completed download is left alone.
func (d *Downloader) Download(ctx context.Context, variantID string, pmid int, force bool) (*Result, error) {
	unit := types.PaperUnit(variantID, pmid)
	path := PDFPath(d.PapersDir, pmid)
	log := d.logger().With(zap.String("variant_id", variantID), zap.Int("pmid", pmid))

	if !force {
		done, err := d.Tracker.IsComplete(ctx, unit, types.StageDownload)
		if err != nil {
			return nil, err
		}
		if done {
			return &Result{Path: path, Skipped: true}, nil
		}
	}

	begin := d.Tracker.Begin
	if force {
		begin = d.Tracker.Restart
	}
	run, err := begin(ctx, unit, types.StageDownload)
	if err != nil {
		return nil, err
	}

	res := &Result{Path: path}
	if _, statErr := os.Stat(path); statErr == nil && !force {
		res.Local = true
		res.Source = "local"
	} else {
		res.Source, err = d.Fetcher.Fetch(ctx, pmid, path)
	}
	if err == nil {
		err = d.Tracker.Complete(ctx, run, func(tx store.Tx) error {
			p, err := tx.GetPaper(ctx, pmid)
			if errors.Is(err, store.ErrNotFound) {
				p = &types.PaperMetadata{PMID: pmid}
			} else if err != nil {
				return err
			}
			p.PDFPath = path
			if !res.Local && res.Source != "" {
				p.PMCID = res.Source
			}
			return tx.PutPaper(ctx, p)
		})
	}
	if err != nil {
		if ferr := d.Tracker.Fail(context.WithoutCancel(ctx), run, err); ferr != nil {
			log.Warn("recording download failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("downloading %s: %w", unit, err)
	}

	log.Info("paper acquired", zap.String("path", path), zap.String("source", res.Source))
	return res, nil
}

// BatchResult holds the outcome of a batch download run.
type BatchResult struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Total returns the number of papers processed.
func (r BatchResult) Total() int {
	return r.Downloaded + r.Skipped + r.Failed
}

// HasFailures reports whether any papers failed.
func (r BatchResult) HasFailures() bool {
	return r.Failed > 0
}

// DownloadAll downloads every paper of the variant in PMID order, printing
// one status line per paper. It continues after individual failures and
// waits Delay between consecutive fetches.
func (d *Downloader) DownloadAll(ctx context.Context, variantID string, force bool, w io.Writer) (BatchResult, error) {
	v, err := d.Store.GetVariant(ctx, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return BatchResult{}, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	fetched := false
	for _, pmid := range v.PMIDs {
		if fetched && d.Delay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(d.Delay):
			}
		}

		res, err := d.Download(ctx, variantID, pmid, force)
		switch {
		case err != nil:
			fmt.Fprintf(w, "failed:  %d (%v)\n", pmid, err)
			result.Failed++
			fetched = true
		case res.Skipped:
			fmt.Fprintf(w, "skipped: %d (already downloaded)\n", pmid)
			result.Skipped++
			fetched = false
		default:
			fmt.Fprintf(w, "downloaded: %d (%s)\n", pmid, res.Source)
			result.Downloaded++
			fetched = !res.Local
		}
	}
	return result, nil
}
