package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/collab/pkg/storage"
)

const testDocID = "doc-123"

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, Config{}), mock
}

func TestNew(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, Config{})
	assert.Equal(t, "documents", store.table)
	assert.Equal(t, db, store.DB())

	custom := New(db, Config{Table: "notes"})
	assert.Equal(t, "notes", custom.table)
}

func TestLoad_Success(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT content FROM documents WHERE id = \$1`).
		WithArgs(testDocID).
		WillReturnRows(sqlmock.NewRows([]string{"content"}).AddRow("hello"))

	content, err := store.Load(context.Background(), testDocID)
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT content FROM documents").
		WithArgs(testDocID).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Load(context.Background(), testDocID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_DBError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT content FROM documents").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Load(context.Background(), testDocID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, err.Error(), "loading document")
}

func TestSave_Upsert(t *testing.T) {
	store, mock := newMockStore(t)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	mock.ExpectExec(`INSERT INTO documents \(id,content,updated_at\) VALUES \(\$1,\$2,\$3\) ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(testDocID, "hello", fixed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), testDocID, "hello")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_DBError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO documents").
		WillReturnError(errors.New("disk full"))

	err := store.Save(context.Background(), testDocID, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "saving document")
}

func TestList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "octet_length", "updated_at"}).
		AddRow("a", 3, now).
		AddRow("b", 0, now)
	mock.ExpectQuery(`SELECT id, octet_length\(content\), updated_at FROM documents ORDER BY id`).
		WillReturnRows(rows)

	docs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, 3, docs[0].Size)
	assert.Equal(t, "b", docs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestList_ScanError(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "octet_length", "updated_at"}).
		AddRow("a", "not-a-number", time.Now())
	mock.ExpectQuery("SELECT id").WillReturnRows(rows)

	_, err := store.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scanning document")
}

func TestLoader_MissingDocumentIsEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT content FROM documents").
		WithArgs("fresh").
		WillReturnError(sql.ErrNoRows)

	content, err := storage.Loader(store)(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestClose_NotOwned(t *testing.T) {
	store, mock := newMockStore(t)
	assert.NoError(t, store.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"migrations/000001_create_documents.down.sql",
		"migrations/000001_create_documents.up.sql",
	}, entries)
}
