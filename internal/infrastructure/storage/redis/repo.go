package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tickrelay/internal/application/port"
)

type Repo struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	keyLatest  string // prefix + ":latest"
	tickStream string
}

type latestTick struct {
	Token  string  `json:"token"`
	LTP    float64 `json:"ltp"`
	Volume int64   `json:"volume"`
	Ts     int64   `json:"ts"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, tickStream string) *Repo {
	if strings.TrimSpace(tickStream) == "" {
		tickStream = prefix + ":ticks"
	}
	return &Repo{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        ttl,
		keyLatest:  prefix + ":latest",
		tickStream: tickStream,
	}
}

func (r *Repo) UpsertLatestTick(ctx context.Context, token string, ltp float64, volume int64, ts int64) error {
	if ltp < 0 {
		return nil
	}
	lt := latestTick{Token: token, LTP: ltp, Volume: volume, Ts: ts}
	b, _ := json.Marshal(lt)

	// Hash: field = "3045" -> json
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, token, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Repo) InsertTick(ctx context.Context, rec *port.TickRecord) error {
	// Stream: XADD <stream> * token name ltp volume ts_ms
	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.tickStream,
		Values: map[string]any{
			"token":  rec.Token,
			"name":   rec.Name,
			"ltp":    rec.LTP,
			"volume": rec.Volume,
			"ts_ms":  rec.Timestamp.UnixMilli(),
		},
	}).Result()
	return err
}

func (r *Repo) Close() error { return r.rdb.Close() }

var _ port.TickRepository = (*Repo)(nil)
