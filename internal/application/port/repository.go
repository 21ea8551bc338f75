package port

import "context"

// TickRepository persists normalized ticks for later inspection.
// Implementations must tolerate best-effort usage: the forwarder never
// blocks the receive path on a repository error.
type TickRepository interface {
	// UpsertLatestTick stores the most recent price per instrument token.
	UpsertLatestTick(ctx context.Context, token string, ltp float64, volume int64, ts int64) error

	// InsertTick appends one tick to the archive.
	InsertTick(ctx context.Context, rec *TickRecord) error

	// Connection management
	Close() error
}
