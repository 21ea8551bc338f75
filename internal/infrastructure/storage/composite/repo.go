package composite

import (
	"context"

	"tickrelay/internal/application/port"
)

type Repo struct {
	repos []port.TickRepository
}

func New(repos ...port.TickRepository) *Repo {
	// nil repos are allowed; filter in constructor for safety
	out := make([]port.TickRepository, 0, len(repos))
	for _, r := range repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return &Repo{repos: out}
}

func (r *Repo) UpsertLatestTick(ctx context.Context, token string, ltp float64, volume int64, ts int64) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.UpsertLatestTick(ctx, token, ltp, volume, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) InsertTick(ctx context.Context, rec *port.TickRecord) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.InsertTick(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.TickRepository = (*Repo)(nil)
