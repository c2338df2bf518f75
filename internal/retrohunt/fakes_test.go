package retrohunt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retrohunt/retrohunt/internal/classification"
	"github.com/retrohunt/retrohunt/internal/db"
	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
	"github.com/retrohunt/retrohunt/internal/hits"
)

// fakeSearcher answers status polls with a fixed status per code.
type fakeSearcher struct {
	mu        sync.Mutex
	statuses  map[string]hauntedhouse.Status
	pollErr   error
	startErr  error
	nextCode  string
	starts    []hauntedhouse.StartRequest
	polls     int
	pollCodes []string
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{statuses: make(map[string]hauntedhouse.Status), nextCode: "code-1"}
}

func (f *fakeSearcher) Start(_ context.Context, req hauntedhouse.StartRequest) (*hauntedhouse.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, req)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &hauntedhouse.StartResult{Code: f.nextCode}, nil
}

func (f *fakeSearcher) Status(_ context.Context, code, _ string) (hauntedhouse.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	f.pollCodes = append(f.pollCodes, code)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	st, ok := f.statuses[code]
	if !ok {
		return nil, errors.New("unknown code")
	}
	return st, nil
}

func (f *fakeSearcher) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// countingStore counts writes to the wrapped store.
type countingStore struct {
	Store
	mu    sync.Mutex
	saves int
}

func (c *countingStore) Save(ctx context.Context, rec *Record) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.Store.Save(ctx, rec)
}

func (c *countingStore) saveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	store, err := NewSQLiteStore(conn)
	require.NoError(t, err)
	return store
}

func newTestIndex(t *testing.T) *hits.SQLiteIndex {
	t.Helper()
	conn, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	idx, err := hits.NewSQLiteIndex(conn)
	require.NoError(t, err)
	return idx
}

func newTestGate(t *testing.T) *classification.Engine {
	t.Helper()
	gate, err := classification.New(classification.DefaultDefinition)
	require.NoError(t, err)
	return gate
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

func runningRecord(code, classification string) *Record {
	return &Record{
		Summary: Summary{
			Code:           code,
			Classification: classification,
			Creator:        "alice",
			Description:    "test job",
			YaraSignature:  "rule x { condition: true }",
			Created:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Tags:           map[string][]string{},
		},
		Hits:   []string{},
		Errors: []string{},
	}
}

func finishedRecord(code, classification string, hitIDs ...string) *Record {
	rec := runningRecord(code, classification)
	rec.Finished = true
	rec.Phase = PhaseFinished
	rec.Percentage = 100
	rec.Hits = hitIDs
	rec.TotalHits = len(hitIDs)
	return rec
}

var (
	alice   = User{Uname: "alice", Classification: "TLP:AMBER", Roles: []string{RoleRun, RoleView}}
	lowUser = User{Uname: "bob", Classification: "TLP:CLEAR", Roles: []string{RoleView}}
)

func allowAll(string) bool { return true }
