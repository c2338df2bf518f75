package retrohunt

import (
	"context"

	"github.com/retrohunt/retrohunt/internal/search"
)

// Store persists retrohunt jobs keyed by code.
type Store interface {
	// Get returns the job stored under code, or nil when there is none.
	Get(ctx context.Context, code string) (*Record, error)
	// Save inserts rec or replaces the stored job with the same code. A job
	// already stored as finished is left as it is.
	Save(ctx context.Context, rec *Record) error
	// Search returns one page of the jobs matching p that access allows.
	Search(ctx context.Context, p search.Params, access func(string) bool) (*SearchResult, error)
}

// SearchResult is one page of jobs.
type SearchResult struct {
	Total  int       `json:"total"`
	Offset int       `json:"offset"`
	Rows   int       `json:"rows"`
	Items  []*Record `json:"items"`
}
