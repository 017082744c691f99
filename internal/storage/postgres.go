package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"

	pgQueryTimeout = 15 * time.Second
)

const pgSchema = `CREATE TABLE IF NOT EXISTS cryptoms_kv (
	k BYTEA PRIMARY KEY,
	v BYTEA NOT NULL
)`

// PostgresDB implements DB on a single key/value table in PostgreSQL.
// Update runs at SERIALIZABLE isolation, so concurrent check-then-insert
// transactions on the same key fail with ErrConflict instead of both
// committing.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url and ensures the table exists.
func NewPostgres(ctx context.Context, url string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

// pgQuerier is the subset shared by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgQueryTimeout)
}

// Get retrieves a value by key. Returns ErrNotFound if the key does not exist.
func (p *PostgresDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := opContext()
	defer cancel()
	return pgGet(ctx, p.pool, key)
}

// Put stores a key-value pair.
func (p *PostgresDB) Put(key, value []byte) error {
	ctx, cancel := opContext()
	defer cancel()
	return pgPut(ctx, p.pool, key, value)
}

// Delete removes a key.
func (p *PostgresDB) Delete(key []byte) error {
	ctx, cancel := opContext()
	defer cancel()
	return pgDelete(ctx, p.pool, key)
}

// Has checks if a key exists.
func (p *PostgresDB) Has(key []byte) (bool, error) {
	ctx, cancel := opContext()
	defer cancel()
	return pgHas(ctx, p.pool, key)
}

// ForEach iterates over all keys with the given prefix in key order.
func (p *PostgresDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	ctx, cancel := opContext()
	defer cancel()
	return pgForEach(ctx, p.pool, prefix, fn)
}

// Update runs fn in a SERIALIZABLE transaction.
func (p *PostgresDB) Update(fn func(txn Txn) error) error {
	ctx, cancel := opContext()
	defer cancel()

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTxn{ctx: ctx, tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

type pgTxn struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t *pgTxn) Get(key []byte) ([]byte, error) { return pgGet(t.ctx, t.tx, key) }
func (t *pgTxn) Has(key []byte) (bool, error)   { return pgHas(t.ctx, t.tx, key) }
func (t *pgTxn) Put(key, value []byte) error    { return pgPut(t.ctx, t.tx, key, value) }
func (t *pgTxn) Delete(key []byte) error        { return pgDelete(t.ctx, t.tx, key) }

func (t *pgTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return pgForEach(t.ctx, t.tx, prefix, fn)
}

func pgGet(ctx context.Context, q pgQuerier, key []byte) ([]byte, error) {
	var v []byte
	err := q.QueryRow(ctx, `SELECT v FROM cryptoms_kv WHERE k = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, mapPgError(fmt.Errorf("postgres get: %w", err))
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func pgHas(ctx context.Context, q pgQuerier, key []byte) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cryptoms_kv WHERE k = $1)`, key).Scan(&exists)
	if err != nil {
		return false, mapPgError(fmt.Errorf("postgres has: %w", err))
	}
	return exists, nil
}

func pgPut(ctx context.Context, q pgQuerier, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := q.Exec(ctx,
		`INSERT INTO cryptoms_kv (k, v) VALUES ($1, $2)
		 ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`, key, value)
	if err != nil {
		return mapPgError(fmt.Errorf("postgres put: %w", err))
	}
	return nil
}

func pgDelete(ctx context.Context, q pgQuerier, key []byte) error {
	if _, err := q.Exec(ctx, `DELETE FROM cryptoms_kv WHERE k = $1`, key); err != nil {
		return mapPgError(fmt.Errorf("postgres delete: %w", err))
	}
	return nil
}

// pgForEach buffers the matching rows before calling fn so the callback
// may issue further statements on the same connection.
func pgForEach(ctx context.Context, q pgQuerier, prefix []byte, fn func(key, value []byte) error) error {
	var (
		rows pgx.Rows
		err  error
	)
	if upper := prefixUpperBound(prefix); upper != nil {
		rows, err = q.Query(ctx,
			`SELECT k, v FROM cryptoms_kv WHERE k >= $1 AND k < $2 ORDER BY k`, prefix, upper)
	} else {
		rows, err = q.Query(ctx,
			`SELECT k, v FROM cryptoms_kv WHERE k >= $1 ORDER BY k`, nonNil(prefix))
	}
	if err != nil {
		return mapPgError(fmt.Errorf("postgres scan: %w", err))
	}

	type kv struct{ k, v []byte }
	var all []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.k, &e.v); err != nil {
			rows.Close()
			return fmt.Errorf("postgres scan row: %w", err)
		}
		all = append(all, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapPgError(fmt.Errorf("postgres scan: %w", err))
	}

	for _, e := range all {
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgUniqueViolation:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}
