// Package storage persists document content between sessions.
//
// A Store holds the plain-text content of each document keyed by its id.
// The realtime layer loads from it when a session is created and writes back
// when a session is destroyed or flushed. Backends live in subpackages
// (postgres, s3); MemoryStore serves tests and single-process deployments.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vango-dev/collab/pkg/realtime"
)

// ErrNotFound is returned by Load when no content is stored under the id.
var ErrNotFound = errors.New("storage: document not found")

// ErrClosed is returned when a store is used after Close.
var ErrClosed = errors.New("storage: store is closed")

// Store defines the interface for content persistence backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the stored content for id, or ErrNotFound.
	Load(ctx context.Context, id string) (string, error)

	// Save overwrites the content stored for id, creating it if absent.
	Save(ctx context.Context, id, content string) error

	// List returns metadata for every stored document, ordered by id.
	List(ctx context.Context) ([]Document, error)

	// Close releases any resources held by the store.
	Close() error
}

// Document describes a stored document without its content.
type Document struct {
	ID        string    `json:"id"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Loader adapts a Store to the realtime directory. Documents that were never
// saved start out empty.
func Loader(store Store) realtime.Loader {
	return func(ctx context.Context, id string) (string, error) {
		content, err := store.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return content, err
	}
}
