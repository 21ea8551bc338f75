package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"tickrelay/internal/application/port"
)

type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_ticks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  token TEXT NOT NULL,
  ltp REAL NOT NULL,
  volume INTEGER NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  UNIQUE(token)
);
CREATE INDEX IF NOT EXISTS idx_latest_ticks_ts ON latest_ticks(ts_ms);

CREATE TABLE IF NOT EXISTS ticks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  token TEXT NOT NULL,
  name TEXT NOT NULL,
  ltp REAL NOT NULL,
  volume INTEGER NOT NULL,
  ts_ms INTEGER NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_token ON ticks(token);
CREATE INDEX IF NOT EXISTS idx_ticks_ts ON ticks(ts_ms);
`)
	return err
}

func (r *Repo) UpsertLatestTick(ctx context.Context, token string, ltp float64, volume int64, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO latest_ticks(token, ltp, volume, ts_ms, created_at)
VALUES(?, ?, ?, ?, strftime('%s','now')*1000)
ON CONFLICT(token) DO UPDATE SET
  ltp=excluded.ltp,
  volume=excluded.volume,
  ts_ms=excluded.ts_ms
`, token, ltp, volume, ts)
	return err
}

func (r *Repo) InsertTick(ctx context.Context, rec *port.TickRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ticks(token, name, ltp, volume, ts_ms, created_at)
VALUES(?, ?, ?, ?, ?, strftime('%s','now')*1000)
`, rec.Token, rec.Name, rec.LTP, rec.Volume, rec.Timestamp.UnixMilli())
	return err
}

// LatestTick returns the most recent stored price for a token.
func (r *Repo) LatestTick(ctx context.Context, token string) (ltp float64, volume int64, err error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT ltp, volume FROM latest_ticks WHERE token = ?`, token)
	err = row.Scan(&ltp, &volume)
	return ltp, volume, err
}

// CountTicks returns the number of archived ticks for a token.
func (r *Repo) CountTicks(ctx context.Context, token string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticks WHERE token = ?`, token).Scan(&n)
	return n, err
}

var _ port.TickRepository = (*Repo)(nil)
