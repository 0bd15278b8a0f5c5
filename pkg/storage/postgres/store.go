// Package postgres provides a PostgreSQL implementation of storage.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/vango-dev/collab/pkg/storage"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// DefaultTable is the table the bundled migrations create.
const DefaultTable = "documents"

// Config configures the PostgreSQL store.
type Config struct {
	// Table holds the documents. Default: DefaultTable. Any other table is
	// not managed by Migrate and must be created by the operator.
	Table string
}

// Store implements storage.Store using PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
	owned bool
	now   func() time.Time
}

// New creates a store on an existing database handle. Close does not close db.
func New(db *sql.DB, cfg Config) *Store {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: table, now: time.Now}
}

// Open connects to dsn and verifies the connection. The returned store owns
// the handle.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s := New(db, cfg)
	s.owned = true
	return s, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Load returns the content stored for id.
func (s *Store) Load(ctx context.Context, id string) (string, error) {
	query, args, err := psq.Select("content").
		From(s.table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("building query: %w", err)
	}

	var content string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading document %s: %w", id, err)
	}
	return content, nil
}

// Save upserts the content for id.
func (s *Store) Save(ctx context.Context, id, content string) error {
	query, args, err := psq.Insert(s.table).
		Columns("id", "content", "updated_at").
		Values(id, content, s.now().UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving document %s: %w", id, err)
	}
	return nil
}

// List returns metadata for every stored document ordered by id.
func (s *Store) List(ctx context.Context) ([]storage.Document, error) {
	query, args, err := psq.Select("id", "octet_length(content)", "updated_at").
		From(s.table).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []storage.Document
	for rows.Next() {
		var d storage.Document
		if err := rows.Scan(&d.ID, &d.Size, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// Close closes the database handle if the store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
