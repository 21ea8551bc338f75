package storage

import (
	"context"
	"sync"
	"time"

	"tickrelay/internal/application/port"
)

// InMemoryRepo is a simple in-memory implementation, used when no
// persistent backend is enabled and as a test double.
type InMemoryRepo struct {
	mu     sync.Mutex
	latest map[string]*port.TickRecord
	ticks  []*port.TickRecord
}

// NewInMemoryRepo creates a new in-memory repository
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		latest: make(map[string]*port.TickRecord),
	}
}

func (r *InMemoryRepo) UpsertLatestTick(ctx context.Context, token string, ltp float64, volume int64, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.latest[token]
	if rec == nil {
		rec = &port.TickRecord{Token: token}
		r.latest[token] = rec
	}
	rec.LTP = ltp
	rec.Volume = volume
	rec.Timestamp = time.UnixMilli(ts)
	return nil
}

func (r *InMemoryRepo) InsertTick(ctx context.Context, rec *port.TickRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, rec)
	return nil
}

func (r *InMemoryRepo) Close() error { return nil }

// Latest returns the latest stored record for a token, or nil.
func (r *InMemoryRepo) Latest(token string) *port.TickRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest[token]
}

// Ticks returns a snapshot of all archived ticks.
func (r *InMemoryRepo) Ticks() []*port.TickRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*port.TickRecord, len(r.ticks))
	copy(out, r.ticks)
	return out
}

var _ port.TickRepository = (*InMemoryRepo)(nil)
