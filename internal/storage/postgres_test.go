package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePgx emulates the kv table for the statements PostgresStore issues.
type fakePgx struct {
	mu      sync.Mutex
	rows    map[string][]byte
	queries []string
	execErr error
}

func newFakePgx() *fakePgx {
	return &fakePgx{rows: make(map[string][]byte)}
}

type fakeRow struct {
	value []byte
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*[]byte) = append([]byte(nil), r.value...)
	return nil
}

func (f *fakePgx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)

	value, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: value}
}

func (f *fakePgx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}

	key := args[0].(string)
	switch {
	case strings.Contains(sql, "INSERT INTO kv"):
		f.rows[key] = append([]byte(nil), args[1].([]byte)...)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	case strings.Contains(sql, "DELETE FROM kv"):
		if _, ok := f.rows[key]; !ok {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(f.rows, key)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	return pgconn.CommandTag{}, errors.New("unexpected statement: " + sql)
}

func TestPostgresStoreContract(t *testing.T) {
	exerciseStore(t, NewPostgresStore(newFakePgx(), nil))
}

func TestPostgresStoreUsesUpsert(t *testing.T) {
	db := newFakePgx()
	s := NewPostgresStore(db, nil)

	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))

	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "ON CONFLICT (key) DO UPDATE")
	assert.Contains(t, db.queries[0], "$1")
}

func TestPostgresStoreQueryErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")

	db := newFakePgx()
	db.execErr = boom
	s := NewPostgresStore(db, nil)

	assert.ErrorIs(t, s.Put(ctx, "k", []byte("v")), boom)
	assert.ErrorIs(t, s.Delete(ctx, "k"), boom)

	failing := NewPostgresStore(rowErrPgx{fakePgx: newFakePgx(), err: boom}, nil)
	_, ok, err := failing.Get(ctx, "k")
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
}

type rowErrPgx struct {
	*fakePgx
	err error
}

func (r rowErrPgx) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: r.err}
}

func TestPostgresStoreCloseRunsCloser(t *testing.T) {
	closed := false
	s := NewPostgresStore(newFakePgx(), func() { closed = true })

	require.NoError(t, s.Close())
	assert.True(t, closed)
	assert.NoError(t, NewPostgresStore(newFakePgx(), nil).Close())
}

func TestOpenPostgresRequiresURL(t *testing.T) {
	_, err := OpenPostgres(context.Background(), "")
	assert.Error(t, err)
}

// TestPostgresStoreLive runs the contract against a real server when
// TEST_DATABASE_URL is set.
func TestPostgresStoreLive(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	s, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	exerciseStore(t, s)
}
