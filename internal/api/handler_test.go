package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrohunt/retrohunt/internal/classification"
	"github.com/retrohunt/retrohunt/internal/db"
	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
	"github.com/retrohunt/retrohunt/internal/hits"
	"github.com/retrohunt/retrohunt/internal/retrohunt"
)

const testRule = `rule abc {
    strings:
        $a = "abcdef"
    condition:
        $a
}`

// stubSearcher starts every search under the same code and answers polls
// from a map.
type stubSearcher struct {
	mu       sync.Mutex
	code     string
	statuses map[string]hauntedhouse.Status
}

func (s *stubSearcher) Start(context.Context, hauntedhouse.StartRequest) (*hauntedhouse.StartResult, error) {
	return &hauntedhouse.StartResult{Code: s.code}, nil
}

func (s *stubSearcher) Status(_ context.Context, code, _ string) (hauntedhouse.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[code]
	if !ok {
		return nil, errors.New("no such search")
	}
	return st, nil
}

func (s *stubSearcher) set(code string, st hauntedhouse.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[code] = st
}

type testServer struct {
	*httptest.Server
	searcher *stubSearcher
	store    *retrohunt.SQLiteStore
	index    *hits.SQLiteIndex
}

func newTestServerWith(t *testing.T, searcher hauntedhouse.Searcher) *testServer {
	t.Helper()

	conn, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store, err := retrohunt.NewSQLiteStore(conn)
	require.NoError(t, err)
	index, err := hits.NewSQLiteIndex(conn)
	require.NoError(t, err)
	gate, err := classification.New(classification.DefaultDefinition)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := retrohunt.NewService(searcher, store, index, gate, logger)

	mux := http.NewServeMux()
	NewHandler(svc, logger).RegisterRoutes(mux)
	handler := Chain(mux, RequestID, Logging(logger), Auth(testIdentities()))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ts := &testServer{Server: srv, store: store, index: index}
	if s, ok := searcher.(*stubSearcher); ok {
		ts.searcher = s
	}
	return ts
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, &stubSearcher{code: "job-1", statuses: map[string]hauntedhouse.Status{}})
}

// do sends a request as the user owning key and decodes the envelope.
func (ts *testServer) do(t *testing.T, method, path, key string, body any) (int, envelopeResponse) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelopeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

type envelopeResponse struct {
	Response     json.RawMessage `json:"api_response"`
	ErrorMessage string          `json:"api_error_message"`
	StatusCode   int             `json:"api_status_code"`
}

func (e envelopeResponse) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Response, v))
}

func finishedJob(code, level string, hitIDs ...string) *retrohunt.Record {
	return &retrohunt.Record{
		Summary: retrohunt.Summary{
			Code:           code,
			Classification: level,
			Creator:        "alice",
			Description:    "stored job",
			YaraSignature:  testRule,
			Created:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Finished:       true,
			Phase:          retrohunt.PhaseFinished,
			Percentage:     100,
			TotalHits:      len(hitIDs),
			TotalErrors:    2,
			Tags:           map[string][]string{},
		},
		Hits:   hitIDs,
		Errors: []string{"b: timeout", "a: unreadable"},
	}
}

func createBody(level string) map[string]any {
	return map[string]any{
		"yara_signature": testRule,
		"archive_only":   false,
		"description":    "find abcdef",
		"classification": level,
	}
}

func TestCreateJob(t *testing.T) {
	ts := newTestServer(t)
	ts.searcher.set("job-1", &hauntedhouse.StagedStatus{
		StageName: retrohunt.PhaseFiltering,
		Values:    hauntedhouse.Snapshot{Phase: ptr(retrohunt.PhaseFiltering), Progress: &[2]int{1, 4}},
	})

	status, env := ts.do(t, http.MethodPut, "/api/v4/retrohunt/", "key-alice", createBody("TLP:CLEAR"))
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	assert.Equal(t, http.StatusOK, env.StatusCode)
	assert.Empty(t, env.ErrorMessage)

	var rec retrohunt.Record
	env.decode(t, &rec)
	assert.Equal(t, "job-1", rec.Code)
	assert.Equal(t, "alice", rec.Creator)
	assert.Equal(t, "TLP:CLEAR", rec.Classification)
	assert.False(t, rec.Finished)
	assert.Equal(t, 25, rec.Percentage)

	stored, err := ts.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestCreateJob_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		key    string
		body   any
		status int
		msg    string
	}{
		{"no key", "", createBody("TLP:CLEAR"), http.StatusUnauthorized, "missing X-API-Key header"},
		{"missing role", "key-bob", createBody("TLP:CLEAR"), http.StatusForbidden, "missing required role: retrohunt_run"},
		{"above access", "key-alice", createBody("TLP:RED"), http.StatusForbidden, "Searches may not be above user access."},
		{"missing argument", "key-alice", map[string]any{"yara_signature": testRule}, http.StatusBadRequest, "missing required argument: 'description'"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, env := ts.do(t, http.MethodPut, "/api/v4/retrohunt/", tc.key, tc.body)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.status, env.StatusCode)
			assert.Equal(t, tc.msg, env.ErrorMessage)
			assert.JSONEq(t, `{}`, string(env.Response))
		})
	}
}

func TestNotConfigured(t *testing.T) {
	ts := newTestServerWith(t, hauntedhouse.Disabled{})

	for _, path := range []string{
		"/api/v4/retrohunt/",
		"/api/v4/retrohunt/job-1/",
		"/api/v4/retrohunt/hits/job-1/",
		"/api/v4/retrohunt/errors/job-1/",
		"/api/v4/retrohunt/types/job-1/",
	} {
		status, env := ts.do(t, http.MethodGet, path, "key-alice", nil)
		assert.Equal(t, http.StatusNotImplemented, status, path)
		assert.Equal(t, retrohunt.ErrNotConfigured.Error(), env.ErrorMessage, path)
	}

	status, _ := ts.do(t, http.MethodPut, "/api/v4/retrohunt/", "key-alice", createBody("TLP:CLEAR"))
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestHealth(t *testing.T) {
	ts := newTestServerWith(t, hauntedhouse.Disabled{})

	resp, err := http.Get(ts.URL + "/api/v4/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["retrohunt_configured"])
}

func TestGetJob(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Save(context.Background(), finishedJob("done", "TLP:CLEAR", "f1")))
	require.NoError(t, ts.store.Save(context.Background(), finishedJob("secret", "TLP:AMBER")))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/done/", "key-bob", nil)
	require.Equal(t, http.StatusOK, status)
	var detail map[string]any
	env.decode(t, &detail)
	assert.Equal(t, "done", detail["code"])
	assert.Equal(t, true, detail["finished"])
	assert.NotContains(t, detail, "hits")
	assert.NotContains(t, detail, "errors")

	status, env = ts.do(t, http.MethodGet, "/api/v4/retrohunt/missing/", "key-bob", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Not Found.", env.ErrorMessage)

	status, env = ts.do(t, http.MethodGet, "/api/v4/retrohunt/secret/", "key-bob", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Access denied.", env.ErrorMessage)

	status, _ = ts.do(t, http.MethodPost, "/api/v4/retrohunt/secret/", "key-alice", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestGetJob_FinalizesRunningJob(t *testing.T) {
	ts := newTestServer(t)
	running := finishedJob("run", "TLP:CLEAR")
	running.Finished = false
	running.Phase = retrohunt.PhaseYara
	running.Percentage = 50
	running.Hits = []string{}
	running.Errors = nil
	running.TotalErrors = 0
	require.NoError(t, ts.store.Save(context.Background(), running))

	ts.searcher.set("run", &hauntedhouse.FlagStatus{
		Finished: true,
		Values: hauntedhouse.Snapshot{
			Hits:      []string{"f1", "f2"},
			Errors:    []string{},
			Truncated: ptr(true),
		},
	})

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/run/", "key-alice", nil)
	require.Equal(t, http.StatusOK, status)
	var sum retrohunt.Summary
	env.decode(t, &sum)
	assert.True(t, sum.Finished)
	assert.Equal(t, 100, sum.Percentage)
	assert.Equal(t, 2, sum.TotalHits)
	assert.True(t, sum.Truncated)

	stored, err := ts.store.Get(context.Background(), "run")
	require.NoError(t, err)
	assert.True(t, stored.Finished)
	assert.Equal(t, []string{"f1", "f2"}, stored.Hits)
}

func TestGetJob_RemoteFailure(t *testing.T) {
	ts := newTestServer(t)
	running := finishedJob("lost", "TLP:CLEAR")
	running.Finished = false
	require.NoError(t, ts.store.Save(context.Background(), running))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/lost/", "key-alice", nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, env.ErrorMessage, "no such search")
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.store.Save(ctx, finishedJob("a", "TLP:CLEAR")))
	require.NoError(t, ts.store.Save(ctx, finishedJob("b", "TLP:CLEAR")))
	require.NoError(t, ts.store.Save(ctx, finishedJob("c", "TLP:AMBER")))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/?sort=code+asc", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var page retrohunt.SearchResult
	env.decode(t, &page)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a", page.Items[0].Code)

	status, env = ts.do(t, http.MethodPost, "/api/v4/retrohunt/", "key-alice", map[string]any{
		"query": "*",
		"rows":  "1",
		"sort":  "code desc",
		"fl":    "code,classification",
	})
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var projected struct {
		Total int              `json:"total"`
		Items []map[string]any `json:"items"`
	}
	env.decode(t, &projected)
	assert.Equal(t, 3, projected.Total)
	require.Len(t, projected.Items, 1)
	assert.Equal(t, map[string]any{"code": "c", "classification": "TLP:AMBER"}, projected.Items[0])
}

func TestListJobs_BadQuery(t *testing.T) {
	ts := newTestServer(t)

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/?sort=nope+asc", "key-alice", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, env.ErrorMessage, "SearchException: ")

	status, _ = ts.do(t, http.MethodPost, "/api/v4/retrohunt/", "key-alice", map[string]any{"rows": "many"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetHits(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ts.index.Put(ctx,
		&hits.File{ID: "f1", SHA256: "f1", Type: "executable/windows/pe32", Classification: "TLP:CLEAR", Seen: hits.Seen{Count: 1, First: now, Last: now}},
		&hits.File{ID: "f2", SHA256: "f2", Type: "document/pdf", Classification: "TLP:CLEAR", Seen: hits.Seen{Count: 2, First: now, Last: now.Add(time.Hour)}},
		&hits.File{ID: "f3", SHA256: "f3", Type: "document/pdf", Classification: "TLP:AMBER", Seen: hits.Seen{Count: 1, First: now, Last: now}},
		&hits.File{ID: "other", SHA256: "other", Type: "document/pdf", Classification: "TLP:CLEAR"},
	))
	require.NoError(t, ts.store.Save(ctx, finishedJob("done", "TLP:CLEAR", "f1", "f2", "f3")))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/hits/done/", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var page hits.Result
	env.decode(t, &page)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "f2", page.Items[0].ID, "default sort is most recently seen first")

	status, env = ts.do(t, http.MethodGet, "/api/v4/retrohunt/hits/done/?fl=sha256,seen.count&rows=1", "key-alice", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var projected struct {
		Items []map[string]any `json:"items"`
	}
	env.decode(t, &projected)
	require.Len(t, projected.Items, 1)
	assert.Equal(t, map[string]any{"sha256": "f2", "seen": map[string]any{"count": float64(2)}}, projected.Items[0])
}

func TestGetErrors(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Save(context.Background(), finishedJob("done", "TLP:CLEAR")))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/errors/done/?sort=asc", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var page retrohunt.ErrorPage
	env.decode(t, &page)
	require.NotNil(t, page.Total)
	assert.Equal(t, 2, *page.Total)
	assert.Equal(t, []string{"a: unreadable", "b: timeout"}, page.Items)

	status, env = ts.do(t, http.MethodGet, "/api/v4/retrohunt/errors/done/?offset=1&rows=5", "key-bob", nil)
	require.Equal(t, http.StatusOK, status)
	env.decode(t, &page)
	assert.Equal(t, []string{"a: unreadable"}, page.Items)
}

func TestGetErrors_ZeroRows(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Save(context.Background(), finishedJob("done", "TLP:CLEAR")))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/errors/done/?rows=0", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var page retrohunt.ErrorPage
	env.decode(t, &page)
	assert.Equal(t, 0, page.Rows)
	assert.Empty(t, page.Items)
	require.NotNil(t, page.Total)
	assert.Equal(t, 2, *page.Total)

	status, env = ts.do(t, http.MethodGet, "/api/v4/retrohunt/errors/done/", "key-bob", nil)
	require.Equal(t, http.StatusOK, status)
	env.decode(t, &page)
	assert.Equal(t, retrohunt.DefaultErrorRows, page.Rows, "rows defaults when absent")
	assert.Len(t, page.Items, 2)
}

func TestListJobs_TrackTotalHits(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, code := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ts.store.Save(ctx, finishedJob(code, "TLP:CLEAR")))
	}

	var page retrohunt.SearchResult
	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/?rows=1&sort=code+asc", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	env.decode(t, &page)
	assert.Equal(t, 4, page.Total)

	status, env = ts.do(t, http.MethodPost, "/api/v4/retrohunt/", "key-bob", map[string]any{
		"rows":             1,
		"sort":             "code asc",
		"track_total_hits": false,
	})
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	env.decode(t, &page)
	assert.Equal(t, 1, page.Total, "counting stops at the end of the page")
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a", page.Items[0].Code)
}

func TestGetErrors_NoList(t *testing.T) {
	ts := newTestServer(t)
	running := finishedJob("run", "TLP:CLEAR")
	running.Finished = false
	running.Errors = nil
	require.NoError(t, ts.store.Save(context.Background(), running))
	ts.searcher.set("run", &hauntedhouse.StagedStatus{StageName: retrohunt.PhaseFiltering})

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/errors/run/", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var raw map[string]any
	env.decode(t, &raw)
	assert.Nil(t, raw["total"])
	assert.Equal(t, []any{}, raw["items"])
}

func TestGetTypes(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, ts.index.Put(ctx,
		&hits.File{ID: "f1", Type: "document/pdf", Classification: "TLP:CLEAR"},
		&hits.File{ID: "f2", Type: "document/pdf", Classification: "TLP:CLEAR"},
		&hits.File{ID: "f3", Type: "executable/linux/elf64", Classification: "TLP:CLEAR"},
	))
	require.NoError(t, ts.store.Save(ctx, finishedJob("done", "TLP:CLEAR", "f1", "f2", "f3")))

	status, env := ts.do(t, http.MethodGet, "/api/v4/retrohunt/types/done/", "key-bob", nil)
	require.Equal(t, http.StatusOK, status, env.ErrorMessage)
	var rows []hits.FacetRow
	env.decode(t, &rows)
	require.Len(t, rows, 3)
	assert.Equal(t, hits.FacetRow{Value: "", Count: 0}, rows[0])
	assert.Equal(t, hits.FacetRow{Value: "document/pdf", Count: 2}, rows[1])
	assert.Equal(t, hits.FacetRow{Value: "executable/linux/elf64", Count: 1}, rows[2])
}

func ptr[T any](v T) *T { return &v }
