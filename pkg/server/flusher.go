package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/collab/pkg/middleware"
	"github.com/vango-dev/collab/pkg/realtime"
	"github.com/vango-dev/collab/pkg/storage"
)

const (
	flushStripes   = 64
	persistTimeout = 10 * time.Second
)

// flusher writes document content back to the store: periodically for live
// sessions whose revision moved, and once more when a session is destroyed.
// Saves of the same document are serialized, and a live flush never runs
// after the final save of the session it read from.
type flusher struct {
	store       storage.Store
	dir         *realtime.Directory
	metrics     *middleware.Metrics
	logger      *slog.Logger
	concurrency int

	stripes [flushStripes]sync.Mutex

	mu    sync.Mutex
	saved map[*realtime.Session]uint64
}

func newFlusher(store storage.Store, dir *realtime.Directory, metrics *middleware.Metrics, logger *slog.Logger, concurrency int) *flusher {
	return &flusher{
		store:       store,
		dir:         dir,
		metrics:     metrics,
		logger:      logger,
		concurrency: concurrency,
		saved:       make(map[*realtime.Session]uint64),
	}
}

func (f *flusher) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &f.stripes[h.Sum32()%flushStripes]
}

// Flush saves every live session modified since its last save. A failed
// save does not stop the others; all failures are joined in the result.
func (f *flusher) Flush(ctx context.Context) error {
	sessions := f.dir.Sessions()
	f.prune(sessions)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if f.concurrency > 0 {
		g.SetLimit(f.concurrency)
	}
	for _, s := range sessions {
		g.Go(func() error {
			if err := f.flushSession(ctx, s); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (f *flusher) flushSession(ctx context.Context, s *realtime.Session) error {
	mu := f.lock(s.ID())
	mu.Lock()
	defer mu.Unlock()

	if s.State() != realtime.StateActive {
		return nil
	}
	content, rev := s.Snapshot()

	f.mu.Lock()
	last := f.saved[s]
	f.mu.Unlock()
	if rev <= last {
		return nil
	}

	err := f.store.Save(ctx, s.ID(), content)
	f.metrics.ContentSaved(err)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", s.ID(), err)
	}

	f.mu.Lock()
	f.saved[s] = rev
	f.mu.Unlock()
	f.logger.Debug("document flushed", "document_id", s.ID(), "revision", rev)
	return nil
}

// prune forgets sessions that are no longer live.
func (f *flusher) prune(live []*realtime.Session) {
	keep := make(map[*realtime.Session]struct{}, len(live))
	for _, s := range live {
		keep[s] = struct{}{}
	}
	f.mu.Lock()
	for s := range f.saved {
		if _, ok := keep[s]; !ok {
			delete(f.saved, s)
		}
	}
	f.mu.Unlock()
}

// persist saves the final content of a destroyed session. Sessions that
// never changed are skipped.
func (f *flusher) persist(ctx context.Context, dep realtime.Departure) error {
	if !dep.Destroyed || dep.Revision == 0 {
		return nil
	}
	mu := f.lock(dep.DocumentID)
	mu.Lock()
	defer mu.Unlock()

	err := f.store.Save(ctx, dep.DocumentID, dep.Content)
	f.metrics.ContentSaved(err)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", dep.DocumentID, err)
	}
	f.logger.Info("document saved", "document_id", dep.DocumentID, "revision", dep.Revision)
	return nil
}

// finalize is the directory's finalizer. It runs before a new session for
// the same document may load, so the final save is never overtaken.
func (f *flusher) finalize(ctx context.Context, dep realtime.Departure) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	return f.persist(ctx, dep)
}

// run flushes every interval until ctx is done.
func (f *flusher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.logger.Error("flush failed", "error", err)
			}
		}
	}
}
