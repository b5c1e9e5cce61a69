package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

type Store struct {
	db *DB
}

// runner is the part of *sql.DB and *sql.Tx the store uses.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialectRunner lets queries be written with ? placeholders for every
// dialect.
type dialectRunner struct {
	raw     runner
	dialect dialect
}

func (r dialectRunner) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.raw.ExecContext(ctx, rebind(r.dialect, query), args...)
}

func (r dialectRunner) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.raw.QueryContext(ctx, rebind(r.dialect, query), args...)
}

func (r dialectRunner) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return r.raw.QueryRowContext(ctx, rebind(r.dialect, query), args...)
}

type DB struct {
	dialectRunner
	sqlDB *sql.DB
}

type Tx struct {
	dialectRunner
	sqlTx *sql.Tx
}

func newDB(raw *sql.DB, d dialect) *DB {
	return &DB{dialectRunner: dialectRunner{raw: raw, dialect: d}, sqlDB: raw}
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.sqlDB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{dialectRunner: dialectRunner{raw: tx, dialect: db.dialect}, sqlTx: tx}, nil
}

func (db *DB) Close() error {
	return db.sqlDB.Close()
}

func (tx *Tx) Commit() error {
	return tx.sqlTx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.sqlTx.Rollback()
}

// rebind turns ? placeholders into $n for postgres. Question marks inside
// single-quoted literals are kept; a doubled quote reads as closing and
// reopening the literal, which gives the same result.
func rebind(d dialect, query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	segments := strings.Split(query, "'")
	arg := 0
	for i := 0; i < len(segments); i += 2 {
		parts := strings.Split(segments[i], "?")
		var b strings.Builder
		for j, part := range parts {
			if j > 0 {
				arg++
				b.WriteString("$" + strconv.Itoa(arg))
			}
			b.WriteString(part)
		}
		segments[i] = b.String()
	}
	return strings.Join(segments, "'")
}

// parseDSN maps a DSN to a database/sql driver. postgres:// and
// postgresql:// go to pgx; sqlite://, file: and :memory: go to sqlite.
func parseDSN(dsn string) (string, string, dialect, error) {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "pgx", trimmed, dialectPostgres, nil
	case strings.HasPrefix(lower, "sqlite://"):
		path := trimmed[len("sqlite://"):]
		if path == "" {
			return "", "", 0, fmt.Errorf("%w: sqlite dsn without path", ErrInvalidInput)
		}
		return "sqlite", path, dialectSQLite, nil
	case strings.HasPrefix(lower, "file:"), lower == ":memory:":
		return "sqlite", trimmed, dialectSQLite, nil
	default:
		return "", "", 0, fmt.Errorf("%w: unsupported database dsn %q", ErrInvalidInput, redactDSN(trimmed))
	}
}

func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return dsn
}

func NewStore(dbDSN string) (*Store, error) {
	driver, source, d, err := parseDSN(dbDSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == dialectSQLite {
		// One writer; also keeps :memory: databases on a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetConnMaxIdleTime(30 * time.Second)
		db.SetMaxIdleConns(4)
		db.SetMaxOpenConns(16)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if d == dialectSQLite {
		if err := applySQLitePragmas(pingCtx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	store := &Store{db: newDB(db, d)}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// applySQLitePragmas enables cascading deletes and waits on a locked file
// instead of failing at once.
func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn in a transaction, committing only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type migration struct {
	version int
	name    string
	ddl     []string
}

// migrations run in order, each in its own transaction. {{serial}} expands to
// the dialect's auto-increment primary key.
var migrations = []migration{
	{
		version: 1,
		name:    "agents and fills",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				owner_pubkey TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_pubkey)`,
			`CREATE TABLE IF NOT EXISTS fills (
				id {{serial}},
				agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
				fill_id TEXT NOT NULL,
				asset TEXT NOT NULL,
				side TEXT NOT NULL,
				price TEXT NOT NULL,
				quantity TEXT NOT NULL,
				raw_timestamp TEXT NOT NULL,
				executed_at BIGINT NOT NULL,
				received_at BIGINT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_agent_fill ON fills(agent_id, fill_id)`,
			`CREATE INDEX IF NOT EXISTS idx_fills_agent_time ON fills(agent_id, executed_at, id)`,
		},
	},
	{
		version: 2,
		name:    "market price ticks",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS market_price_ticks (
				id {{serial}},
				market TEXT NOT NULL,
				source TEXT NOT NULL,
				feed_id TEXT NOT NULL,
				slot BIGINT NOT NULL,
				publish_time BIGINT NOT NULL,
				price DOUBLE PRECISION NOT NULL,
				conf DOUBLE PRECISION NOT NULL,
				expo INTEGER NOT NULL,
				received_at BIGINT NOT NULL,
				raw_json TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_market_price_ticks_dedupe ON market_price_ticks(market, source, publish_time, slot)`,
			`CREATE INDEX IF NOT EXISTS idx_market_price_ticks_market_time ON market_price_ticks(market, publish_time DESC, slot DESC, id DESC)`,
		},
	},
	{
		version: 3,
		name:    "performance snapshots",
		ddl: []string{
			`CREATE TABLE IF NOT EXISTS performance_snapshots (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL,
				agent_name TEXT NOT NULL,
				agent_rank INTEGER NOT NULL,
				computed_at BIGINT NOT NULL,
				window_start BIGINT NOT NULL,
				window_end BIGINT NOT NULL,
				account_value DOUBLE PRECISION NOT NULL,
				payload_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_performance_snapshots_agent_time ON performance_snapshots(agent_id, computed_at DESC)`,
		},
	},
}

func (s *Store) serialColumn() string {
	if s.db.dialect == dialectSQLite {
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "BIGSERIAL PRIMARY KEY"
}

// migrate applies every migration not yet recorded in schema_migrations.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	serial := s.serialColumn()
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		err := s.WithTx(ctx, func(tx *Tx) error {
			for _, stmt := range m.ddl {
				if _, err := tx.ExecContext(ctx, strings.ReplaceAll(stmt, "{{serial}}", serial)); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().Unix(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[int]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]struct{}, len(migrations))
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		out[version] = struct{}{}
	}
	return out, rows.Err()
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
