// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package acquire

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Base URLs of the PMC services. Package-level vars for test substitution.
var (
	idconvURL = "https://pmc.ncbi.nlm.nih.gov/tools/idconv/api/v1/articles/"
	oaURL     = "https://www.ncbi.nlm.nih.gov/pmc/utils/oa/oa.fcgi"
)

// ErrNotAvailable is returned when PMC holds no open-access copy of a paper.
var ErrNotAvailable = errors.New("not available in PMC open access")

// PMC fetches open-access article PDFs from PubMed Central. The article
// package (a .tar.gz holding the NXML and the rendered PDF) is preferred;
// a direct PDF link is used when no package is offered.
type PMC struct {
	Client    *http.Client
	Email     string
	Tool      string
	APIKey    string
	UserAgent string
}

// NewPMC returns a PMC client configured from cfg.
func NewPMC(client *http.Client, cfg types.LiteratureConfig) *PMC {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &PMC{
		Client:    client,
		Email:     cfg.Email,
		Tool:      cfg.Tool,
		APIKey:    cfg.NCBIAPIKey,
		UserAgent: cfg.UserAgent,
	}
}

func (p *PMC) header() http.Header {
	h := http.Header{}
	if p.UserAgent != "" {
		h.Set("User-Agent", p.UserAgent)
	}
	return h
}

// Fetch downloads the PDF of pmid to destPath and returns the PMCID it
// came from. The file is written through a temporary file and renamed, so
// destPath never holds a partial download.
func (p *PMC) Fetch(ctx context.Context, pmid int, destPath string) (string, error) {
	pmcid, err := p.pmcid(ctx, pmid)
	if err != nil {
		return "", err
	}

	links, err := p.links(ctx, pmcid)
	if err != nil {
		return pmcid, err
	}

	var pdf []byte
	switch {
	case links["tgz"] != "":
		archive, err := httputil.GetBody(ctx, p.Client, links["tgz"], p.header())
		if err != nil {
			return pmcid, fmt.Errorf("downloading package for %s: %w", pmcid, err)
		}
		if pdf, err = pdfFromPackage(archive); err != nil {
			return pmcid, fmt.Errorf("package for %s: %w", pmcid, err)
		}
	case links["pdf"] != "":
		if pdf, err = httputil.GetBody(ctx, p.Client, links["pdf"], p.header()); err != nil {
			return pmcid, fmt.Errorf("downloading pdf for %s: %w", pmcid, err)
		}
	default:
		return pmcid, fmt.Errorf("%w: no package or pdf link for %s", ErrNotAvailable, pmcid)
	}

	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return pmcid, fmt.Errorf("download for %s is not a pdf", pmcid)
	}
	return pmcid, writeAtomic(destPath, pdf)
}

type idconvResponse struct {
	Records []struct {
		PMCID  string `json:"pmcid"`
		Status string `json:"status"`
	} `json:"records"`
}

func (p *PMC) pmcid(ctx context.Context, pmid int) (string, error) {
	q := url.Values{}
	q.Set("ids", strconv.Itoa(pmid))
	q.Set("idtype", "pmid")
	q.Set("format", "json")
	if p.Tool != "" {
		q.Set("tool", p.Tool)
	}
	if p.Email != "" {
		q.Set("email", p.Email)
	}
	if p.APIKey != "" {
		q.Set("api_key", p.APIKey)
	}

	body, err := httputil.GetBody(ctx, p.Client, idconvURL+"?"+q.Encode(), p.header())
	if err != nil {
		return "", fmt.Errorf("converting pmid %d: %w", pmid, err)
	}
	var resp idconvResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing id conversion for %d: %w", pmid, err)
	}
	if len(resp.Records) == 0 || resp.Records[0].PMCID == "" {
		return "", fmt.Errorf("%w: pmid %d has no PMCID", ErrNotAvailable, pmid)
	}
	return resp.Records[0].PMCID, nil
}

type oaResponse struct {
	Error *struct {
		Code    string `xml:"code,attr"`
		Message string `xml:",chardata"`
	} `xml:"error"`
	Records []struct {
		ID    string `xml:"id,attr"`
		Links []struct {
			Format string `xml:"format,attr"`
			Href   string `xml:"href,attr"`
		} `xml:"link"`
	} `xml:"records>record"`
}

// links returns the OA service's download links for pmcid by format.
func (p *PMC) links(ctx context.Context, pmcid string) (map[string]string, error) {
	body, err := httputil.GetBody(ctx, p.Client, oaURL+"?id="+url.QueryEscape(pmcid), p.header())
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", pmcid, err)
	}
	var resp oaResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing OA response for %s: %w", pmcid, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNotAvailable, pmcid, strings.TrimSpace(resp.Error.Message))
	}

	links := make(map[string]string)
	for _, r := range resp.Records {
		for _, l := range r.Links {
			href := l.Href
			// The OA service still advertises FTP; the same paths are served over HTTPS.
			if rest, ok := strings.CutPrefix(href, "ftp://"); ok {
				href = "https://" + rest
			}
			if _, seen := links[l.Format]; !seen {
				links[l.Format] = href
			}
		}
	}
	return links, nil
}

// pdfFromPackage returns the article PDF from a PMC package: the PDF whose
// base name matches the package's single NXML file.
func pdfFromPackage(archive []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("opening package: %w", err)
	}
	defer gz.Close()

	pdfs := make(map[string][]byte)
	var nxml []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading package: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		switch strings.ToLower(path.Ext(name)) {
		case ".nxml":
			nxml = append(nxml, name)
		case ".pdf":
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			pdfs[name] = data
		}
	}

	switch len(nxml) {
	case 0:
		return nil, errors.New("no NXML file in package")
	case 1:
	default:
		return nil, fmt.Errorf("multiple NXML files in package: %s", strings.Join(nxml, ", "))
	}

	main := strings.TrimSuffix(nxml[0], path.Ext(nxml[0])) + ".pdf"
	data, ok := pdfs[main]
	if !ok {
		return nil, fmt.Errorf("%w: package has no %s", ErrNotAvailable, path.Base(main))
	}
	return data, nil
}

func writeAtomic(destPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".acquire-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing download: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
