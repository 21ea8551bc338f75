package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tickrelay/internal/application/port"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_ticks (
  token TEXT PRIMARY KEY,
  ltp DOUBLE PRECISION NOT NULL,
  volume BIGINT NOT NULL,
  ts_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS ticks (
  id BIGSERIAL PRIMARY KEY,
  token TEXT NOT NULL,
  name TEXT NOT NULL,
  ltp DOUBLE PRECISION NOT NULL,
  volume BIGINT NOT NULL,
  ts_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_token ON ticks(token);
CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks(ts_ms);
`)
	return err
}

func (r *Repo) UpsertLatestTick(ctx context.Context, token string, ltp float64, volume int64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO latest_ticks(token, ltp, volume, ts_ms)
VALUES($1, $2, $3, $4)
ON CONFLICT(token) DO UPDATE SET
  ltp=EXCLUDED.ltp,
  volume=EXCLUDED.volume,
  ts_ms=EXCLUDED.ts_ms
`, token, ltp, volume, ts)
	return err
}

func (r *Repo) InsertTick(ctx context.Context, rec *port.TickRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ticks(token, name, ltp, volume, ts_ms)
VALUES($1, $2, $3, $4, $5)
`, rec.Token, rec.Name, rec.LTP, rec.Volume, rec.Timestamp.UnixMilli())
	return err
}

var _ port.TickRepository = (*Repo)(nil)
