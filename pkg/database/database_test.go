package database

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/pkg/config"
)

// fakeDB отдаёт заранее подготовленную транзакцию
type fakeDB struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (f *fakeDB) Ping(context.Context) error                              { return nil }
func (f *fakeDB) Close()                                                  {}

// fakeTx считает коммиты и откаты
type fakeTx struct {
	commits   int
	rollbacks int
	commitErr error
}

func (f *fakeTx) Commit(context.Context) error {
	f.commits++
	return f.commitErr
}
func (f *fakeTx) Rollback(context.Context) error {
	f.rollbacks++
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) { return nil, nil }
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (f *fakeTx) Conn() *pgx.Conn                                         { return nil }

func TestWithTransaction_CommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}

	err := WithTransaction(context.Background(), db, func(pgx.Tx) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks)
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}
	boom := errors.New("insert failed")

	err := WithTransaction(context.Background(), db, func(pgx.Tx) error {
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{tx: tx}

	assert.Panics(t, func() {
		_ = WithTransaction(context.Background(), db, func(pgx.Tx) error {
			panic("unexpected")
		})
	})

	assert.Equal(t, 1, tx.rollbacks)
}

func TestWithTransaction_BeginFailure(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("pool exhausted")}

	err := WithTransaction(context.Background(), db, func(pgx.Tx) error {
		t.Fatal("fn must not run when BeginTx fails")
		return nil
	})

	require.Error(t, err)
}

func TestConnString(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "db.local",
		Port:     5433,
		Database: "dispatch",
		Username: "svc",
		Password: "pw",
		SSLMode:  "require",
	}

	assert.Equal(t,
		"postgres://svc:pw@db.local:5433/dispatch?sslmode=require",
		connString(cfg),
	)
}
