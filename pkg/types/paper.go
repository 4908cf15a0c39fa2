// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// PaperMetadata holds bibliographic data for one PubMed record. It is
// fetched during the query stage and shown to the model during aggregation.
type PaperMetadata struct {
	// PMID is the PubMed identifier and the primary key.
	PMID int `json:"pmid" yaml:"pmid"`

	DOI   string `json:"doi,omitempty" yaml:"doi,omitempty"`
	PMCID string `json:"pmcid,omitempty" yaml:"pmcid,omitempty"`

	// Title is the article title.
	Title string `json:"title" yaml:"title"`

	// Authors is "Last, First; Last, First" in source order.
	Authors string `json:"authors" yaml:"authors"`

	// Date is the Entrez date in ISO format (YYYY-MM-DD) when known.
	Date string `json:"date" yaml:"date"`

	Journal  string `json:"journal,omitempty" yaml:"journal,omitempty"`
	Abstract string `json:"abstract,omitempty" yaml:"abstract,omitempty"`

	// PDFPath is the local path of the acquired PDF, empty until downloaded.
	PDFPath string `json:"pdf_path,omitempty" yaml:"pdf_path,omitempty"`
}
