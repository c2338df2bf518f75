package retrohunt

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/retrohunt/retrohunt/internal/classification"
	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
	"github.com/retrohunt/retrohunt/internal/hits"
	"github.com/retrohunt/retrohunt/internal/search"
)

// Default paging of the read operations.
const (
	DefaultQuery     = "*"
	DefaultListRows  = 20
	DefaultListSort  = "created desc"
	DefaultHitRows   = 10
	DefaultHitSort   = "seen.last desc"
	DefaultErrorRows = 20
)

// ErrorParams selects a page of a job's error list. Rows is used as given, so
// callers apply DefaultErrorRows when the caller did not send one.
type ErrorParams struct {
	Offset int    `json:"offset"`
	Rows   int    `json:"rows"`
	Sort   string `json:"sort"`
}

// ErrorPage is one page of a job's error list. Total is nil when the job has
// no error list yet.
type ErrorPage struct {
	Offset int      `json:"offset"`
	Rows   int      `json:"rows"`
	Total  *int     `json:"total"`
	Items  []string `json:"items"`
}

// Service implements the retrohunt operations on behalf of a user.
type Service struct {
	searcher   hauntedhouse.Searcher
	store      Store
	index      hits.Index
	gate       *classification.Engine
	reconciler *Reconciler
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a Service. searcher may be hauntedhouse.Disabled, in which
// case every operation fails with ErrNotConfigured.
func NewService(searcher hauntedhouse.Searcher, store Store, index hits.Index, gate *classification.Engine, logger *slog.Logger) *Service {
	if searcher == nil {
		searcher = hauntedhouse.Disabled{}
	}
	return &Service{
		searcher:   searcher,
		store:      store,
		index:      index,
		gate:       gate,
		reconciler: NewReconciler(searcher, store, logger),
		logger:     logger,
		now:        time.Now,
	}
}

// Configured reports whether a remote retrohunt service is wired in.
func (s *Service) Configured() bool {
	return hauntedhouse.Configured(s.searcher)
}

// Create starts a new job at the requested classification and returns its
// current state.
func (s *Service) Create(ctx context.Context, user User, req CreateRequest) (*Record, error) {
	if !hauntedhouse.Configured(s.searcher) {
		return nil, ErrNotConfigured
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	level, err := s.gate.Normalize(*req.Classification)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !s.gate.IsAccessible(user.Classification, level) {
		return nil, fmt.Errorf("%w: searches may not be above user access", ErrAccessDenied)
	}

	started, err := s.searcher.Start(ctx, hauntedhouse.StartRequest{
		YaraRule:      *req.YaraSignature,
		AccessControl: level,
		Group:         user.Uname,
		ArchiveOnly:   *req.ArchiveOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start search: %w", ErrRemote, err)
	}

	rec := &Record{
		Summary: Summary{
			Code:           started.Code,
			Classification: level,
			Creator:        user.Uname,
			Description:    *req.Description,
			YaraSignature:  *req.YaraSignature,
			RawQuery:       hauntedhouse.QueryFromYara(*req.YaraSignature),
			ArchiveOnly:    *req.ArchiveOnly,
			Created:        s.now().UTC(),
			Tags:           map[string][]string{},
		},
		Hits:   []string{},
		Errors: []string{},
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save retrohunt %s: %w", rec.Code, err)
	}
	s.logger.Info("retrohunt job created",
		"code", rec.Code,
		"creator", rec.Creator,
		"classification", rec.Classification,
		"archive_only", rec.ArchiveOnly,
	)
	return s.reconciler.Reconcile(ctx, rec, user)
}

// List searches the jobs visible to user. Unfinished jobs on the page are
// reconciled so their progress is live.
func (s *Service) List(ctx context.Context, user User, p search.Params) (*SearchResult, error) {
	if !hauntedhouse.Configured(s.searcher) {
		return nil, ErrNotConfigured
	}
	p = withDefaults(p, DefaultListRows, DefaultListSort)

	res, err := s.store.Search(ctx, p, s.accessFor(user))
	if err != nil {
		return nil, err
	}
	for i, rec := range res.Items {
		if rec.Finished {
			continue
		}
		if res.Items[i], err = s.reconciler.Reconcile(ctx, rec, user); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Detail returns the job without its hit and error lists.
func (s *Service) Detail(ctx context.Context, user User, code string) (*Summary, error) {
	rec, err := s.current(ctx, user, code)
	if err != nil {
		return nil, err
	}
	return &rec.Summary, nil
}

// Hits searches the files the job matched.
func (s *Service) Hits(ctx context.Context, user User, code string, p search.Params) (*hits.Result, error) {
	rec, err := s.current(ctx, user, code)
	if err != nil {
		return nil, err
	}
	p = withDefaults(p, DefaultHitRows, DefaultHitSort)
	return s.index.Search(ctx, p, rec.Hits, s.accessFor(user))
}

// Errors returns a page of the job's error list, sorted lexically when
// p.Sort mentions asc or desc.
func (s *Service) Errors(ctx context.Context, user User, code string, p ErrorParams) (*ErrorPage, error) {
	rec, err := s.current(ctx, user, code)
	if err != nil {
		return nil, err
	}
	p.Rows = max(p.Rows, 0)
	p.Offset = max(p.Offset, 0)

	page := &ErrorPage{Offset: p.Offset, Rows: p.Rows, Items: []string{}}
	if rec.Errors == nil {
		return page, nil
	}

	errs := slices.Clone(rec.Errors)
	switch sort := strings.ToLower(p.Sort); {
	case strings.Contains(sort, "asc"):
		slices.Sort(errs)
	case strings.Contains(sort, "desc"):
		slices.Sort(errs)
		slices.Reverse(errs)
	}

	total := len(errs)
	page.Total = &total
	start := min(p.Offset, total)
	end := min(start+p.Rows, total)
	page.Items = append(page.Items, errs[start:end]...)
	return page, nil
}

// Types counts the files the job matched by file type. The first row is the
// bucket of files with no type or a type outside the top rows.
func (s *Service) Types(ctx context.Context, user User, code, query string, filters []string) ([]hits.FacetRow, error) {
	rec, err := s.current(ctx, user, code)
	if err != nil {
		return nil, err
	}
	if query == "" {
		query = DefaultQuery
	}
	return s.index.Facet(ctx, "type", query, filters, rec.Hits, s.accessFor(user))
}

// current loads the job stored under code, checks user may see it and
// reconciles it.
func (s *Service) current(ctx context.Context, user User, code string) (*Record, error) {
	if !hauntedhouse.Configured(s.searcher) {
		return nil, ErrNotConfigured
	}
	rec, err := s.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: retrohunt %s", ErrNotFound, code)
	}
	if !s.gate.IsAccessible(user.Classification, rec.Classification) {
		return nil, fmt.Errorf("%w: retrohunt %s", ErrAccessDenied, code)
	}
	return s.reconciler.Reconcile(ctx, rec, user)
}

func (s *Service) accessFor(user User) func(string) bool {
	return func(object string) bool {
		return s.gate.IsAccessible(user.Classification, object)
	}
}

func withDefaults(p search.Params, rows int, sort string) search.Params {
	if strings.TrimSpace(p.Query) == "" {
		p.Query = DefaultQuery
	}
	if p.Rows <= 0 {
		p.Rows = rows
	}
	if strings.TrimSpace(p.Sort) == "" {
		p.Sort = sort
	}
	p.Offset = max(p.Offset, 0)
	return p
}
