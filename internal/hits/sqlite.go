package hits

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/retrohunt/retrohunt/internal/search"
)

var fileSchema = search.Schema{
	Fields: map[string]search.Field{
		"id":               {Column: "id", Kind: search.KindText},
		"classification":   {Column: "classification", Kind: search.KindText},
		"entropy":          {Column: "entropy", Kind: search.KindFloat},
		"from_archive":     {Column: "from_archive", Kind: search.KindBool},
		"is_section_image": {Column: "is_section_image", Kind: search.KindBool},
		"md5":              {Column: "md5", Kind: search.KindText},
		"seen.count":       {Column: "seen_count", Kind: search.KindInt},
		"seen.first":       {Column: "seen_first", Kind: search.KindTime},
		"seen.last":        {Column: "seen_last", Kind: search.KindTime},
		"sha1":             {Column: "sha1", Kind: search.KindText},
		"sha256":           {Column: "sha256", Kind: search.KindText},
		"size":             {Column: "size", Kind: search.KindInt},
		"tlsh":             {Column: "tlsh", Kind: search.KindText},
		"type":             {Column: "type", Kind: search.KindText},
	},
	Text:   []string{"sha256", "sha1", "md5", "type", "labels"},
	Stored: []string{"labels", "label_categories"},
}

// facetFields are the fields Facet accepts.
var facetFields = map[string]string{
	"type":           "type",
	"classification": "classification",
}

const fileColumns = `id, classification, entropy, from_archive, is_section_image, label_categories,
	labels, md5, seen_count, seen_first, seen_last, sha1, sha256, size, tlsh, type`

// SQLiteIndex is a SQLite-backed implementation of Index.
type SQLiteIndex struct {
	db *sql.DB
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex creates the files table in db if needed.
func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndex) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS files (
			id               TEXT PRIMARY KEY,
			classification   TEXT NOT NULL,
			entropy          REAL NOT NULL DEFAULT 0,
			from_archive     INTEGER NOT NULL DEFAULT 0,
			is_section_image INTEGER NOT NULL DEFAULT 0,
			label_categories TEXT NOT NULL DEFAULT '{}',
			labels           TEXT NOT NULL DEFAULT '[]',
			md5              TEXT NOT NULL DEFAULT '',
			seen_count       INTEGER NOT NULL DEFAULT 0,
			seen_first       TEXT,
			seen_last        TEXT,
			sha1             TEXT NOT NULL DEFAULT '',
			sha256           TEXT NOT NULL DEFAULT '',
			size             INTEGER NOT NULL DEFAULT 0,
			tlsh             TEXT NOT NULL DEFAULT '',
			type             TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_files_seen_last ON files(seen_last);
		CREATE INDEX IF NOT EXISTS idx_files_type      ON files(type);
	`)
	return err
}

// Put inserts files or replaces those already indexed under the same ID.
func (s *SQLiteIndex) Put(ctx context.Context, files ...*File) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if f == nil || f.ID == "" {
			return fmt.Errorf("file id is required")
		}
		cats, err := json.Marshal(f.LabelCategories)
		if err != nil {
			return fmt.Errorf("marshal label categories for %s: %w", f.ID, err)
		}
		labels, err := json.Marshal(nonNil(f.Labels))
		if err != nil {
			return fmt.Errorf("marshal labels for %s: %w", f.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			f.ID, f.Classification, f.Entropy, f.FromArchive, f.IsSectionImage, string(cats),
			string(labels), f.MD5, f.Seen.Count, formatTime(f.Seen.First), formatTime(f.Seen.Last),
			f.SHA1, f.SHA256, f.Size, f.TLSH, f.Type,
		)
		if err != nil {
			return fmt.Errorf("insert file %s: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns the page of files in keySpace matching p that access allows.
func (s *SQLiteIndex) Search(ctx context.Context, p search.Params, keySpace []string, access func(string) bool) (*Result, error) {
	if err := fileSchema.CheckFields(p.Fields); err != nil {
		return nil, err
	}
	order, err := fileSchema.OrderBy(p.Sort)
	if err != nil {
		return nil, err
	}
	if order == "" {
		order = "id ASC"
	} else {
		order += ", id ASC"
	}
	where, args, err := scopedWhere(p.Query, p.Filters, keySpace)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("search files: %w", err)
	}
	defer rows.Close()

	res := &Result{Offset: max(p.Offset, 0), Rows: p.Rows, Items: []*File{}}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if access != nil && !access(f.Classification) {
			continue
		}
		if res.Total >= res.Offset && len(res.Items) < p.Rows {
			res.Items = append(res.Items, f)
		}
		res.Total++
		if p.Enough(res.Total) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return res, nil
}

// Facet counts the files in keySpace by the value of field. The first row is
// always the aggregate of files with an empty value and those beyond the top
// FacetSize values.
func (s *SQLiteIndex) Facet(ctx context.Context, field, query string, filters []string, keySpace []string, access func(string) bool) ([]FacetRow, error) {
	column, ok := facetFields[field]
	if !ok {
		return nil, fmt.Errorf("%w: cannot facet on %q", search.ErrSearch, field)
	}
	where, args, err := scopedWhere(query, filters, keySpace)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+column+`, classification FROM files WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("facet files: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var value, classification string
		if err := rows.Scan(&value, &classification); err != nil {
			return nil, fmt.Errorf("scan facet: %w", err)
		}
		if access != nil && !access(classification) {
			continue
		}
		counts[value]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facet: %w", err)
	}

	other := FacetRow{Count: counts[""]}
	delete(counts, "")
	named := make([]FacetRow, 0, len(counts))
	for v, c := range counts {
		named = append(named, FacetRow{Value: v, Count: c})
	}
	slices.SortFunc(named, func(a, b FacetRow) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return strings.Compare(a.Value, b.Value)
	})
	if len(named) > FacetSize {
		for _, r := range named[FacetSize:] {
			other.Count += r.Count
		}
		named = named[:FacetSize]
	}
	return append([]FacetRow{other}, named...), nil
}

// scopedWhere restricts a query to the IDs in keySpace.
func scopedWhere(query string, filters []string, keySpace []string) (string, []any, error) {
	where, args, err := fileSchema.Where(query, filters)
	if err != nil {
		return "", nil, err
	}
	ids, err := json.Marshal(nonNil(keySpace))
	if err != nil {
		return "", nil, fmt.Errorf("marshal key space: %w", err)
	}
	scope := "id IN (SELECT value FROM json_each(?))"
	if where == "" {
		return scope, []any{string(ids)}, nil
	}
	return scope + " AND " + where, append([]any{string(ids)}, args...), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*File, error) {
	f := &File{}
	var cats, labels string
	var first, last sql.NullString
	err := row.Scan(
		&f.ID, &f.Classification, &f.Entropy, &f.FromArchive, &f.IsSectionImage, &cats,
		&labels, &f.MD5, &f.Seen.Count, &first, &last, &f.SHA1, &f.SHA256, &f.Size, &f.TLSH, &f.Type,
	)
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	if err := json.Unmarshal([]byte(cats), &f.LabelCategories); err != nil {
		return nil, fmt.Errorf("decode label categories for %s: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(labels), &f.Labels); err != nil {
		return nil, fmt.Errorf("decode labels for %s: %w", f.ID, err)
	}
	f.Seen.First = parseTime(first)
	f.Seen.Last = parseTime(last)
	return f, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(search.TimeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(search.TimeLayout, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
