// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package acquire

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

func init() {
	httputil.RetryBaseDelay = 1
}

const pdfBytes = "%PDF-1.4 test article"

func tarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// pmcServer serves the id converter, the OA service and one package.
func pmcServer(t *testing.T, pmcid string, oaBody func(base string) string, pkg []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/idconv/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pmid", r.URL.Query().Get("idtype"))
		assert.Equal(t, "evidence-engine", r.URL.Query().Get("tool"))
		fmt.Fprintf(w, `{"status": "ok", "records": [{"pmid": %q, "pmcid": %q}]}`,
			r.URL.Query().Get("ids"), pmcid)
	})
	mux.HandleFunc("/oa", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pmcid, r.URL.Query().Get("id"))
		fmt.Fprint(w, oaBody(srv.URL))
	})
	mux.HandleFunc("/pkg.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pkg)
	})
	t.Cleanup(srv.Close)

	oldIDConv, oldOA := idconvURL, oaURL
	idconvURL, oaURL = srv.URL+"/idconv/", srv.URL+"/oa"
	t.Cleanup(func() { idconvURL, oaURL = oldIDConv, oldOA })
	return srv
}

func packageRecord(base string) string {
	return `<OA><records><record id="PMC123">
		<link format="tgz" href="` + base + `/pkg.tar.gz"/>
	</record></records></OA>`
}

func testPMC() *PMC {
	return NewPMC(nil, types.LiteratureConfig{Tool: "evidence-engine", Email: "dev@example.org"})
}

func TestPMCFetchFromPackage(t *testing.T) {
	pkg := tarball(t, map[string]string{
		"PMC123/article.nxml": "<article/>",
		"PMC123/article.pdf":  pdfBytes,
		"PMC123/supp1.pdf":    "%PDF supplement",
	})
	pmcServer(t, "PMC123", packageRecord, pkg)

	dest := filepath.Join(t.TempDir(), "papers", "111.pdf")
	pmcid, err := testPMC().Fetch(context.Background(), 111, dest)
	require.NoError(t, err)
	assert.Equal(t, "PMC123", pmcid)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, pdfBytes, string(data))

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(dest), ".acquire-*"))
	assert.Empty(t, leftovers)
}

func TestPMCFetchNotAvailable(t *testing.T) {
	tests := []struct {
		name  string
		pmcid string
		oa    func(string) string
	}{
		{"no pmcid", "", packageRecord},
		{"oa error", "PMC123", func(string) string {
			return `<OA><error code="idIsNotOpenAccess">identifier 'PMC123' is not Open Access</error></OA>`
		}},
		{"no links", "PMC123", func(string) string {
			return `<OA><records><record id="PMC123"></record></records></OA>`
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pmcServer(t, tt.pmcid, tt.oa, nil)
			dest := filepath.Join(t.TempDir(), "111.pdf")
			_, err := testPMC().Fetch(context.Background(), 111, dest)
			assert.ErrorIs(t, err, ErrNotAvailable)
			assert.NoFileExists(t, dest)
		})
	}
}

func TestPMCFetchRejectsNonPDF(t *testing.T) {
	pmcServer(t, "PMC9", func(base string) string {
		return `<OA><records><record id="PMC9"><link format="pdf" href="` + base + `/pkg.tar.gz"/></record></records></OA>`
	}, []byte("<html>login</html>"))

	dest := filepath.Join(t.TempDir(), "9.pdf")
	_, err := testPMC().Fetch(context.Background(), 9, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a pdf")
	assert.NoFileExists(t, dest)
}

func TestLinksRewriteFTP(t *testing.T) {
	pmcServer(t, "PMC5", func(string) string {
		return `<OA><records><record id="PMC5">
			<link format="tgz" href="ftp://ftp.ncbi.nlm.nih.gov/pub/pmc/oa_package/ab/cd/PMC5.tar.gz"/>
			<link format="pdf" href="https://example.org/PMC5.pdf"/>
		</record></records></OA>`
	}, nil)

	links, err := testPMC().links(context.Background(), "PMC5")
	require.NoError(t, err)
	assert.Equal(t, "https://ftp.ncbi.nlm.nih.gov/pub/pmc/oa_package/ab/cd/PMC5.tar.gz", links["tgz"])
	assert.Equal(t, "https://example.org/PMC5.pdf", links["pdf"])
}

func TestPDFFromPackage(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		want    string
		wantErr string
	}{
		{
			name:  "matches nxml name",
			files: map[string]string{"a/main.nxml": "x", "a/main.pdf": pdfBytes, "a/other.pdf": "%PDF other"},
			want:  pdfBytes,
		},
		{
			name:    "no nxml",
			files:   map[string]string{"a/main.pdf": pdfBytes},
			wantErr: "no NXML",
		},
		{
			name:    "two nxml",
			files:   map[string]string{"a/one.nxml": "x", "a/two.nxml": "y"},
			wantErr: "multiple NXML",
		},
		{
			name:    "no main pdf",
			files:   map[string]string{"a/main.nxml": "x", "a/supp.pdf": "%PDF"},
			wantErr: "main.pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pdfFromPackage(tarball(t, tt.files))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := pdfFromPackage([]byte("not gzip"))
	assert.Error(t, err)
}

// --- downloader ---

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[int]error
	calls []int
}

func (f *fakeFetcher) Fetch(_ context.Context, pmid int, destPath string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, pmid)
	f.mu.Unlock()
	if err := f.fail[pmid]; err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", err
	}
	return fmt.Sprintf("PMC%d", pmid), os.WriteFile(destPath, []byte(pdfBytes), 0o644)
}

func newDownloader(t *testing.T, pmids ...int) (*Downloader, *fakeFetcher) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	tr := stage.NewTracker(s, nil, nil)
	require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.2238G>C"}))
	require.NoError(t, s.AddPMIDs(ctx, "v1", pmids))
	require.NoError(t, tr.Record(ctx, types.VariantUnit("v1"), types.StageQuery))

	f := &fakeFetcher{fail: map[int]error{}}
	return &Downloader{Store: s, Tracker: tr, Fetcher: f, PapersDir: filepath.Join(t.TempDir(), "papers")}, f
}

func TestDownloadRecordsPaper(t *testing.T) {
	d, f := newDownloader(t, 101)
	ctx := context.Background()

	res, err := d.Download(ctx, "v1", 101, false)
	require.NoError(t, err)
	assert.Equal(t, "PMC101", res.Source)
	assert.FileExists(t, res.Path)

	p, err := d.Store.GetPaper(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, res.Path, p.PDFPath)
	assert.Equal(t, "PMC101", p.PMCID)

	done, err := d.Tracker.IsComplete(ctx, types.PaperUnit("v1", 101), types.StageDownload)
	require.NoError(t, err)
	assert.True(t, done)

	again, err := d.Download(ctx, "v1", 101, false)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, []int{101}, f.calls)
}

func TestDownloadKeepsExistingMetadata(t *testing.T) {
	d, _ := newDownloader(t, 101)
	ctx := context.Background()
	require.NoError(t, d.Store.PutPaper(ctx, &types.PaperMetadata{PMID: 101, Title: "Pompe disease", Authors: "Doe, Jane"}))

	_, err := d.Download(ctx, "v1", 101, false)
	require.NoError(t, err)

	p, err := d.Store.GetPaper(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "Pompe disease", p.Title)
	assert.NotEmpty(t, p.PDFPath)
}

func TestDownloadUsesLocalPDF(t *testing.T) {
	d, f := newDownloader(t, 202)
	path := PDFPath(d.PapersDir, 202)
	require.NoError(t, os.MkdirAll(d.PapersDir, 0o755))
	require.NoError(t, os.WriteFile(path, []byte(pdfBytes), 0o644))

	res, err := d.Download(context.Background(), "v1", 202, false)
	require.NoError(t, err)
	assert.True(t, res.Local)
	assert.Empty(t, f.calls)
}

func TestDownloadFailureMarksStage(t *testing.T) {
	d, f := newDownloader(t, 303)
	f.fail[303] = fmt.Errorf("%w: pmid 303 has no PMCID", ErrNotAvailable)
	ctx := context.Background()

	_, err := d.Download(ctx, "v1", 303, false)
	require.ErrorIs(t, err, ErrNotAvailable)

	rec, err := d.Tracker.Get(ctx, types.PaperUnit("v1", 303), types.StageDownload)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Contains(t, rec.LastError, "no PMCID")

	_, err = d.Store.GetPaper(ctx, 303)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDownloadRequiresQuery(t *testing.T) {
	d, f := newDownloader(t, 101)
	ctx := context.Background()
	require.NoError(t, d.Store.UpsertVariant(ctx, &types.Variant{ID: "v2", Gene: "GAA", HGVSc: "c.1A>G"}))

	_, err := d.Download(ctx, "v2", 101, false)
	assert.ErrorIs(t, err, stage.ErrPrerequisiteIncomplete)
	assert.Empty(t, f.calls)
}

func TestDownloadAll(t *testing.T) {
	d, f := newDownloader(t, 101, 102, 103)
	f.fail[102] = errors.New("connection reset")
	ctx := context.Background()

	_, err := d.Download(ctx, "v1", 103, false)
	require.NoError(t, err)

	var out bytes.Buffer
	res, err := d.DownloadAll(ctx, "v1", false, &out)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Downloaded: 1, Skipped: 1, Failed: 1}, res)
	assert.Equal(t, 3, res.Total())
	assert.True(t, res.HasFailures())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "downloaded: 101 (PMC101)", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "failed:  102"))
	assert.Equal(t, "skipped: 103 (already downloaded)", lines[2])

	_, err = d.DownloadAll(ctx, "missing", false, &out)
	assert.ErrorIs(t, err, ErrVariantNotFound)
}
