// Package store persists ingested rows in PostgreSQL through a pgx pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// valuesSlot is the placeholder an upsert statement carries where the
// VALUES tuples go.
const valuesSlot = "%s"

// maxParams is the PostgreSQL limit on bind parameters per statement.
const maxParams = 65535

// DefaultPageSize is the number of rows per upsert statement.
const DefaultPageSize = 200

// ErrPersistence matches every *PersistenceError.
var ErrPersistence = errors.New("persistence failure")

var (
	upsertRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gw2_store_upsert_rows_total",
		Help: "Rows sent in committed upsert transactions",
	})

	upsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw2_store_upsert_duration_seconds",
		Help:    "Duration of one upsert transaction",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})

	storeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gw2_store_errors_total",
		Help: "Persistence errors by operation",
	}, []string{"operation"})
)

// PersistenceError wraps a failed database operation.
type PersistenceError struct {
	// Statement is the start of the SQL text.
	Statement string
	Rows      int
	Err       error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %q (%d rows): %v", e.Statement, e.Rows, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// MaxConns caps the pool size.
	MaxConns int

	// StatementTimeout is applied with SET LOCAL in every upsert transaction.
	StatementTimeout time.Duration
}

// DefaultConfig returns the local development defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             5432,
		Database:         "gw2tp",
		User:             "postgres",
		Password:         "1234",
		MaxConns:         4,
		StatementTimeout: 30 * time.Second,
	}
}

// DSN builds a postgres:// connection URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// Store runs upserts and lookups against one pool.
type Store struct {
	pool             *pgxpool.Pool
	statementTimeout time.Duration
	logger           zerolog.Logger
}

// Open connects the pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	timeout := cfg.StatementTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "store").Logger()
	logger.Debug().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to database")

	return &Store{
		pool:             pool,
		statementTimeout: timeout,
		logger:           logger,
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// ExecuteBatchUpsert writes rows in one transaction. sqlText must contain
// a single VALUES %s slot, which is expanded to positional placeholders
// for up to pageSize rows per statement. All rows must have the same
// arity. Either every row is committed or none is.
func (s *Store) ExecuteBatchUpsert(ctx context.Context, sqlText string, rows [][]any, pageSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	fail := func(err error) error {
		storeErrorsTotal.WithLabelValues("upsert").Inc()
		return &PersistenceError{Statement: statementHead(sqlText), Rows: len(rows), Err: err}
	}

	arity := len(rows[0])
	if arity == 0 {
		return fail(fmt.Errorf("rows have no columns"))
	}
	for i, row := range rows {
		if len(row) != arity {
			return fail(fmt.Errorf("row %d has %d columns, want %d", i, len(row), arity))
		}
	}
	if pageSize*arity > maxParams {
		pageSize = maxParams / arity
	}
	if strings.Count(sqlText, valuesSlot) != 1 {
		return fail(fmt.Errorf("statement must contain exactly one %s slot", valuesSlot))
	}

	start := time.Now()
	err := s.runInTx(ctx, func(tx pgx.Tx) error {
		timeout := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", s.statementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, timeout); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}

		for offset := 0; offset < len(rows); offset += pageSize {
			page := rows[offset:min(offset+pageSize, len(rows))]

			stmt, err := expandValues(sqlText, arity, len(page))
			if err != nil {
				return err
			}

			args := make([]any, 0, len(page)*arity)
			for _, row := range page {
				args = append(args, row...)
			}

			tag, err := tx.Exec(ctx, stmt, args...)
			if err != nil {
				return fmt.Errorf("rows %d-%d: %w", offset, offset+len(page)-1, err)
			}

			s.logger.Debug().
				Int("offset", offset).
				Int("rows", len(page)).
				Int64("affected", tag.RowsAffected()).
				Msg("Executed upsert page")
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	upsertRowsTotal.Add(float64(len(rows)))
	upsertDuration.Observe(time.Since(start).Seconds())

	return nil
}

// FetchColumnList runs query and returns its single int64 column.
func (s *Store) FetchColumnList(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		storeErrorsTotal.WithLabelValues("query").Inc()
		return nil, &PersistenceError{Statement: statementHead(query), Err: err}
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		storeErrorsTotal.WithLabelValues("query").Inc()
		return nil, &PersistenceError{Statement: statementHead(query), Err: err}
	}

	return ids, nil
}

// runInTx commits when fn succeeds and rolls back otherwise.
func (s *Store) runInTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// expandValues replaces the VALUES slot with n tuples of arity positional
// parameters: ($1,$2),($3,$4)...
func expandValues(sqlText string, arity, n int) (string, error) {
	if arity < 1 || n < 1 {
		return "", fmt.Errorf("cannot expand %d rows of arity %d", n, arity)
	}
	if n*arity > maxParams {
		return "", fmt.Errorf("%d parameters exceed the limit of %d", n*arity, maxParams)
	}

	var b strings.Builder
	param := 1
	for r := 0; r < n; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < arity; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(param))
			param++
		}
		b.WriteByte(')')
	}

	return strings.Replace(sqlText, valuesSlot, b.String(), 1), nil
}

// statementHead returns the first 80 characters of sqlText on one line.
func statementHead(sqlText string) string {
	head := strings.Join(strings.Fields(sqlText), " ")
	if len(head) > 80 {
		head = head[:80]
	}
	return head
}

// LoadSQL reads a statement from fsys.
func LoadSQL(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", fmt.Errorf("load sql %s: %w", name, err)
	}

	sqlText := strings.TrimSpace(string(data))
	if sqlText == "" {
		return "", fmt.Errorf("load sql %s: empty statement", name)
	}
	return sqlText, nil
}
