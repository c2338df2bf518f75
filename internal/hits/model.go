// Package hits indexes file metadata and answers the queries that list or
// facet the files a retrohunt job matched.
package hits

import (
	"context"
	"time"

	"github.com/retrohunt/retrohunt/internal/search"
)

// FacetSize is the number of named rows a facet returns after the leading
// aggregate row.
const FacetSize = 10

// File is the metadata of one indexed file.
type File struct {
	ID              string          `json:"id"`
	Classification  string          `json:"classification"`
	Entropy         float64         `json:"entropy"`
	FromArchive     bool            `json:"from_archive"`
	IsSectionImage  bool            `json:"is_section_image"`
	LabelCategories LabelCategories `json:"label_categories"`
	Labels          []string        `json:"labels"`
	MD5             string          `json:"md5"`
	Seen            Seen            `json:"seen"`
	SHA1            string          `json:"sha1"`
	SHA256          string          `json:"sha256"`
	Size            int64           `json:"size"`
	TLSH            string          `json:"tlsh"`
	Type            string          `json:"type"`
}

// LabelCategories groups a file's labels by kind.
type LabelCategories struct {
	Attribution []string `json:"attribution"`
	Info        []string `json:"info"`
	Technique   []string `json:"technique"`
}

// Seen records when and how often a file was submitted.
type Seen struct {
	Count int       `json:"count"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Result is one page of files.
type Result struct {
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Rows   int     `json:"rows"`
	Items  []*File `json:"items"`
}

// FacetRow is one value of a facet and the number of files carrying it. An
// empty Value is the aggregate of files with no value or a value outside the
// top rows.
type FacetRow struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Index is the hit index consumed by the retrohunt service. Every query is
// restricted to a key space of file IDs; access filters by classification.
type Index interface {
	Search(ctx context.Context, p search.Params, keySpace []string, access func(string) bool) (*Result, error)
	Facet(ctx context.Context, field, query string, filters []string, keySpace []string, access func(string) bool) ([]FacetRow, error)
	Put(ctx context.Context, files ...*File) error
}
