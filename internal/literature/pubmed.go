// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package literature

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var efetchURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi"

// efetchBatch bounds the PMIDs per efetch request.
const efetchBatch = 200

// PubMed fetches article metadata through NCBI E-utilities.
type PubMed struct {
	Client    *http.Client
	APIKey    string
	Email     string
	Tool      string
	UserAgent string
}

// Metadata returns the records found for pmids. PMIDs PubMed does not
// return are absent from the result.
func (p *PubMed) Metadata(ctx context.Context, pmids []int) ([]types.PaperMetadata, error) {
	var out []types.PaperMetadata
	for start := 0; start < len(pmids); start += efetchBatch {
		end := min(start+efetchBatch, len(pmids))
		batch, err := p.fetch(ctx, pmids[start:end])
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (p *PubMed) fetch(ctx context.Context, pmids []int) ([]types.PaperMetadata, error) {
	ids := make([]string, len(pmids))
	for i, id := range pmids {
		ids[i] = strconv.Itoa(id)
	}
	q := url.Values{}
	q.Set("db", "pubmed")
	q.Set("retmode", "xml")
	q.Set("id", strings.Join(ids, ","))
	if p.Tool != "" {
		q.Set("tool", p.Tool)
	}
	if p.Email != "" {
		q.Set("email", p.Email)
	}
	if p.APIKey != "" {
		q.Set("api_key", p.APIKey)
	}

	h := http.Header{}
	if p.UserAgent != "" {
		h.Set("User-Agent", p.UserAgent)
	}
	body, err := httputil.GetBody(ctx, p.Client, efetchURL+"?"+q.Encode(), h)
	if err != nil {
		return nil, fmt.Errorf("pubmed efetch: %w", err)
	}
	return parseArticleSet(body)
}

type articleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	PMID    int    `xml:"MedlineCitation>PMID"`
	Title   markup `xml:"MedlineCitation>Article>ArticleTitle"`
	Journal string `xml:"MedlineCitation>Article>Journal>Title"`
	Authors []struct {
		LastName       string `xml:"LastName"`
		ForeName       string `xml:"ForeName"`
		CollectiveName string `xml:"CollectiveName"`
	} `xml:"MedlineCitation>Article>AuthorList>Author"`
	Abstract []markup `xml:"MedlineCitation>Article>Abstract>AbstractText"`
	ArticleIDs []struct {
		Type string `xml:"IdType,attr"`
		ID   string `xml:",chardata"`
	} `xml:"PubmedData>ArticleIdList>ArticleId"`
	History []struct {
		Status string `xml:"PubStatus,attr"`
		Year   int    `xml:"Year"`
		Month  int    `xml:"Month"`
		Day    int    `xml:"Day"`
	} `xml:"PubmedData>History>PubMedPubDate"`
}

// markup is element content that may hold inline tags such as <i>.
// Structured abstract sections keep their label as a prefix.
type markup string

var tagPattern = regexp.MustCompile(`<[^>]+>`)

func (m *markup) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var inner struct {
		XML string `xml:",innerxml"`
	}
	if err := d.DecodeElement(&inner, &start); err != nil {
		return err
	}
	text := html.UnescapeString(tagPattern.ReplaceAllString(inner.XML, ""))
	text = strings.Join(strings.Fields(text), " ")
	for _, attr := range start.Attr {
		if attr.Name.Local == "Label" && attr.Value != "" {
			text = attr.Value + ": " + text
		}
	}
	*m = markup(text)
	return nil
}

func parseArticleSet(data []byte) ([]types.PaperMetadata, error) {
	var set articleSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing pubmed response: %w", err)
	}

	out := make([]types.PaperMetadata, 0, len(set.Articles))
	for _, a := range set.Articles {
		m := types.PaperMetadata{
			PMID:    a.PMID,
			Title:   string(a.Title),
			Journal: a.Journal,
		}

		authors := make([]string, 0, len(a.Authors))
		for _, au := range a.Authors {
			switch {
			case au.LastName != "" && au.ForeName != "":
				authors = append(authors, au.LastName+", "+au.ForeName)
			case au.LastName != "":
				authors = append(authors, au.LastName)
			case au.CollectiveName != "":
				authors = append(authors, au.CollectiveName)
			}
		}
		m.Authors = strings.Join(authors, "; ")

		parts := make([]string, len(a.Abstract))
		for i, p := range a.Abstract {
			parts[i] = string(p)
		}
		m.Abstract = strings.Join(parts, "\n")

		for _, id := range a.ArticleIDs {
			switch id.Type {
			case "doi":
				m.DOI = strings.TrimSpace(id.ID)
			case "pmc":
				m.PMCID = strings.TrimSpace(id.ID)
			}
		}
		for _, h := range a.History {
			if h.Status == "entrez" && h.Year > 0 {
				m.Date = fmt.Sprintf("%04d-%02d-%02d", h.Year, max(h.Month, 1), max(h.Day, 1))
				break
			}
		}
		out = append(out, m)
	}
	return out, nil
}
