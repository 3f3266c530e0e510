package kv

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/cachedb/cachedb/internal/config"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	k BLOB PRIMARY KEY,
	v BLOB NOT NULL
) WITHOUT ROWID`

// SQLite stores the keyspace in a single WITHOUT ROWID table. Writes go
// through one connection; file-backed databases get a separate read-only
// pool so readers do not queue behind the writer.
type SQLite struct {
	db       *sql.DB
	readDB   *sql.DB
	mu       sync.Mutex
	inMemory bool
	logger   zerolog.Logger
}

// OpenSQLite opens (or creates) the sqlite database at cfg.Path.
func OpenSQLite(cfg config.EngineConfig, logger zerolog.Logger) (*SQLite, error) {
	logger = logger.With().Str("component", "kv.sqlite").Logger()

	syncMode := "NORMAL"
	if cfg.SyncWrites {
		syncMode = "FULL"
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=" + syncMode
	if cfg.InMemory {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}

	s := &SQLite{db: db, readDB: db, inMemory: cfg.InMemory, logger: logger}

	if !cfg.InMemory {
		readDB, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open sqlite read pool: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(5 * time.Minute)
		s.readDB = readDB
	}

	logger.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("sqlite engine opened")
	return s, nil
}

func (s *SQLite) Name() string { return string(config.EngineSQLite) }

func (s *SQLite) View(ctx context.Context, fn func(Reader) error) error {
	if s.inMemory {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteErr(err)
	}
	defer tx.Rollback()
	return fn(&sqliteTxn{ctx: ctx, tx: tx})
}

func (s *SQLite) Update(ctx context.Context, fn func(Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translateSQLiteErr(err)
	}
	if err := fn(&sqliteTxn{ctx: ctx, tx: tx, writable: true}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite transaction: %w", err)
	}
	return nil
}

// Maintain truncates the sqlite WAL file back into the main database.
func (s *SQLite) Maintain(ctx context.Context) error {
	if s.inMemory {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		s.logger.Warn().Err(err).Msg("sqlite optimize failed")
	}
	s.logger.Debug().Dur("duration", time.Since(start)).Msg("sqlite checkpoint finished")
	return nil
}

func (s *SQLite) Close() error {
	var firstErr error
	if s.readDB != s.db {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func translateSQLiteErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "database is closed") {
		return errEngineClosed
	}
	return err
}

type sqliteTxn struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (t *sqliteTxn) Get(key []byte) ([]byte, bool, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

// Scan reads the whole range before calling fn so fn may issue further
// statements on the same transaction.
func (t *sqliteTxn) Scan(lower, upper []byte, reverse bool, fn func(key, value []byte) error) error {
	var (
		conds []string
		args  []interface{}
	)
	if lower != nil {
		conds = append(conds, "k >= ?")
		args = append(args, lower)
	}
	if upper != nil {
		conds = append(conds, "k < ?")
		args = append(args, upper)
	}

	query := "SELECT k, v FROM kv"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if reverse {
		query += " ORDER BY k DESC"
	} else {
		query += " ORDER BY k ASC"
	}

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite scan: %w", err)
	}

	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.key, &p.value); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite scan row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("sqlite scan rows: %w", err)
	}
	rows.Close()

	return emit(pairs, fn)
}

func (t *sqliteTxn) Set(key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v", key, value)
	return err
}

func (t *sqliteTxn) Delete(key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM kv WHERE k = ?", key)
	return err
}
