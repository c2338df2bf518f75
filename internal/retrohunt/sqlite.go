package retrohunt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/retrohunt/retrohunt/internal/search"
)

var recordSchema = search.Schema{
	Fields: map[string]search.Field{
		"code":           {Column: "code", Kind: search.KindText},
		"classification": {Column: "classification", Kind: search.KindText},
		"creator":        {Column: "creator", Kind: search.KindText},
		"description":    {Column: "description", Kind: search.KindText},
		"yara_signature": {Column: "yara_signature", Kind: search.KindText},
		"raw_query":      {Column: "raw_query", Kind: search.KindText},
		"archive_only":   {Column: "archive_only", Kind: search.KindBool},
		"created":        {Column: "created", Kind: search.KindTime},
		"finished":       {Column: "finished", Kind: search.KindBool},
		"phase":          {Column: "phase", Kind: search.KindText},
		"percentage":     {Column: "percentage", Kind: search.KindInt},
		"total_hits":     {Column: "total_hits", Kind: search.KindInt},
		"total_errors":   {Column: "total_errors", Kind: search.KindInt},
		"truncated":      {Column: "truncated", Kind: search.KindBool},
	},
	Text:   []string{"code", "creator", "description", "yara_signature"},
	Stored: []string{"hits", "errors", "progress", "tags", "id"},
}

const recordColumns = `code, classification, creator, description, yara_signature, raw_query,
	archive_only, created, finished, phase, progress, percentage, total_hits, total_errors,
	truncated, tags, hits, errors`

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore runs the migrations for the retrohunt table on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS retrohunt (
			code            TEXT PRIMARY KEY,
			classification  TEXT NOT NULL,
			creator         TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			yara_signature  TEXT NOT NULL,
			raw_query       TEXT NOT NULL DEFAULT '',
			archive_only    INTEGER NOT NULL DEFAULT 0,
			created         TEXT NOT NULL,
			finished        INTEGER NOT NULL DEFAULT 0,
			phase           TEXT NOT NULL DEFAULT '',
			progress        TEXT,
			percentage      INTEGER NOT NULL DEFAULT 0,
			total_hits      INTEGER NOT NULL DEFAULT 0,
			total_errors    INTEGER NOT NULL DEFAULT 0,
			truncated       INTEGER NOT NULL DEFAULT 0,
			tags            TEXT NOT NULL DEFAULT '{}',
			hits            TEXT NOT NULL DEFAULT '[]',
			errors          TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_retrohunt_created  ON retrohunt(created);
		CREATE INDEX IF NOT EXISTS idx_retrohunt_finished ON retrohunt(finished);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, code string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM retrohunt WHERE code = ?`, code)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get retrohunt %s: %w", code, err)
	}
	return rec, nil
}

// Save upserts rec. The conflict clause skips rows already finished, so a
// finished job can be saved again by concurrent finalizers without change.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	progress, err := nullableJSON(rec.Progress, rec.Progress == nil)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tags, err := json.Marshal(orEmptyTags(rec.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	hits, err := json.Marshal(nonNil(rec.Hits))
	if err != nil {
		return fmt.Errorf("encode hits: %w", err)
	}
	errs, err := nullableJSON(rec.Errors, rec.Errors == nil)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retrohunt (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			finished     = excluded.finished,
			phase        = excluded.phase,
			progress     = excluded.progress,
			percentage   = excluded.percentage,
			total_hits   = excluded.total_hits,
			total_errors = excluded.total_errors,
			truncated    = excluded.truncated,
			tags         = excluded.tags,
			hits         = excluded.hits,
			errors       = excluded.errors
		WHERE retrohunt.finished = 0
	`,
		rec.Code,
		rec.Classification,
		rec.Creator,
		rec.Description,
		rec.YaraSignature,
		rec.RawQuery,
		rec.ArchiveOnly,
		rec.Created.UTC().Format(search.TimeLayout),
		rec.Finished,
		rec.Phase,
		progress,
		rec.Percentage,
		rec.TotalHits,
		rec.TotalErrors,
		rec.Truncated,
		string(tags),
		string(hits),
		errs,
	)
	if err != nil {
		return fmt.Errorf("save retrohunt %s: %w", rec.Code, err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, p search.Params, access func(string) bool) (*SearchResult, error) {
	if err := recordSchema.CheckFields(p.Fields); err != nil {
		return nil, err
	}
	order, err := recordSchema.OrderBy(p.Sort)
	if err != nil {
		return nil, err
	}
	if order == "" {
		order = "code ASC"
	} else {
		order += ", code ASC"
	}
	where, args, err := recordSchema.Where(p.Query, p.Filters)
	if err != nil {
		return nil, err
	}
	if where == "" {
		where = "1"
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM retrohunt WHERE `+where+` ORDER BY `+order, args...)
	if err != nil {
		return nil, fmt.Errorf("search retrohunt: %w", err)
	}
	defer rows.Close()

	res := &SearchResult{Offset: max(p.Offset, 0), Rows: p.Rows, Items: []*Record{}}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retrohunt: %w", err)
		}
		if access != nil && !access(rec.Classification) {
			continue
		}
		if res.Total >= res.Offset && len(res.Items) < p.Rows {
			res.Items = append(res.Items, rec)
		}
		res.Total++
		if p.Enough(res.Total) {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retrohunt: %w", err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	rec := &Record{}
	var created string
	var progress, errs sql.NullString
	var tags, hits string
	err := row.Scan(
		&rec.Code, &rec.Classification, &rec.Creator, &rec.Description, &rec.YaraSignature, &rec.RawQuery,
		&rec.ArchiveOnly, &created, &rec.Finished, &rec.Phase, &progress, &rec.Percentage,
		&rec.TotalHits, &rec.TotalErrors, &rec.Truncated, &tags, &hits, &errs,
	)
	if err != nil {
		return nil, err
	}

	if rec.Created, err = time.Parse(search.TimeLayout, created); err != nil {
		return nil, fmt.Errorf("decode created: %w", err)
	}
	if progress.Valid {
		rec.Progress = new([2]int)
		if err := json.Unmarshal([]byte(progress.String), rec.Progress); err != nil {
			return nil, fmt.Errorf("decode progress: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(hits), &rec.Hits); err != nil {
		return nil, fmt.Errorf("decode hits: %w", err)
	}
	if errs.Valid {
		if err := json.Unmarshal([]byte(errs.String), &rec.Errors); err != nil {
			return nil, fmt.Errorf("decode errors: %w", err)
		}
	}
	return rec, nil
}

// nullableJSON returns nil if null is set, otherwise the JSON encoding of v.
func nullableJSON(v any, null bool) (any, error) {
	if null {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func orEmptyTags(tags map[string][]string) map[string][]string {
	if tags == nil {
		return map[string][]string{}
	}
	return tags
}
