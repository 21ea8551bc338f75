package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tickrelay/internal/application/port"
)

// Stats are the running delivery counters. Monotonic within a process
// lifetime; reset only on restart.
type Stats struct {
	Ticks        int64   `json:"ticks"`
	Delivered    int64   `json:"delivered"`
	Failed       int64   `json:"failed"`
	Dropped      int64   `json:"dropped"`
	UniqueTokens int     `json:"unique_tokens"`
	MinPrice     float64 `json:"min_price"`
	MaxPrice     float64 `json:"max_price"`
}

// Forwarder normalizes raw upstream ticks and fans them out to the
// webhook backend, the local publisher and the tick archive. Fan-out is
// best-effort: each sink is attempted independently and a failure in
// one never suppresses the others or unwinds the receive path.
type Forwarder struct {
	webhookURL string
	hc         *http.Client
	pub        port.Publisher      // optional
	repo       port.TickRepository // optional

	mu        sync.Mutex
	ticks     int64
	delivered int64
	failed    int64
	dropped   int64
	tokens    map[string]struct{}
	minPrice  float64
	maxPrice  float64

	now func() time.Time // test hook
}

func New(webhookURL string, timeout time.Duration, pub port.Publisher, repo port.TickRepository) *Forwarder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Forwarder{
		webhookURL: webhookURL,
		hc:         &http.Client{Timeout: timeout},
		pub:        pub,
		repo:       repo,
		tokens:     make(map[string]struct{}),
		now:        time.Now,
	}
}

// Normalize converts a raw upstream tick into the canonical record.
// The upstream price arrives in integer minor units and is converted to
// major units. Malformed input returns an error, never a guessed record.
func (f *Forwarder) Normalize(raw *port.RawTick) (*port.TickRecord, error) {
	if raw == nil {
		return nil, errors.New("nil tick")
	}
	if raw.Token == "" {
		return nil, errors.New("tick missing token")
	}
	if raw.LastTradedPx < 0 {
		return nil, fmt.Errorf("negative price %d for token %s", raw.LastTradedPx, raw.Token)
	}

	name := raw.TradingSymbol
	if name == "" {
		name = raw.Symbol
	}
	if name == "" {
		name = "Token-" + raw.Token
	}

	return &port.TickRecord{
		Token:     raw.Token,
		Name:      name,
		LTP:       float64(raw.LastTradedPx) / 100.0,
		Volume:    raw.DayVolume,
		Timestamp: f.now(),
	}, nil
}

// Handle normalizes and delivers one raw tick. Normalization failures
// are logged with the raw payload and dropped; ticks are never buffered
// or retried.
func (f *Forwarder) Handle(ctx context.Context, raw *port.RawTick) {
	f.HandleTo(ctx, "", raw)
}

// HandleTo is Handle with a per-connection webhook URL override.
// An empty backendURL means the configured default.
func (f *Forwarder) HandleTo(ctx context.Context, backendURL string, raw *port.RawTick) {
	rec, err := f.Normalize(raw)
	if err != nil {
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		log.Error().Err(err).Interface("raw", raw).Msg("tick normalization failed, dropping")
		return
	}
	f.DeliverTo(ctx, backendURL, rec)
}

// Deliver pushes one normalized record to all sinks and updates the
// counters. Webhook failures are counted and logged only.
func (f *Forwarder) Deliver(ctx context.Context, rec *port.TickRecord) {
	f.DeliverTo(ctx, "", rec)
}

// DeliverTo is Deliver with a per-connection webhook URL override.
func (f *Forwarder) DeliverTo(ctx context.Context, backendURL string, rec *port.TickRecord) {
	f.observe(rec)

	if backendURL == "" {
		backendURL = f.webhookURL
	}
	if err := f.postWebhook(ctx, backendURL, rec); err != nil {
		f.mu.Lock()
		f.failed++
		f.mu.Unlock()
		log.Warn().Err(err).Str("token", rec.Token).Msg("webhook delivery failed")
	} else {
		f.mu.Lock()
		f.delivered++
		f.mu.Unlock()
	}

	// Local publish happens regardless of webhook outcome.
	if f.pub != nil {
		f.pub.Publish(rec)
	}

	if f.repo != nil {
		if err := f.repo.UpsertLatestTick(ctx, rec.Token, rec.LTP, rec.Volume, rec.Timestamp.UnixMilli()); err != nil {
			log.Debug().Err(err).Str("token", rec.Token).Msg("latest tick upsert failed")
		}
		if err := f.repo.InsertTick(ctx, rec); err != nil {
			log.Debug().Err(err).Str("token", rec.Token).Msg("tick archive insert failed")
		}
	}
}

func (f *Forwarder) observe(rec *port.TickRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	f.tokens[rec.Token] = struct{}{}
	if f.ticks == 1 {
		f.minPrice = rec.LTP
		f.maxPrice = rec.LTP
		return
	}
	if rec.LTP < f.minPrice {
		f.minPrice = rec.LTP
	}
	if rec.LTP > f.maxPrice {
		f.maxPrice = rec.LTP
	}
}

func (f *Forwarder) postWebhook(ctx context.Context, url string, rec *port.TickRecord) error {
	if url == "" {
		return nil
	}

	body, _ := json.Marshal(rec)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns a snapshot of the running counters.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Ticks:        f.ticks,
		Delivered:    f.delivered,
		Failed:       f.failed,
		Dropped:      f.dropped,
		UniqueTokens: len(f.tokens),
		MinPrice:     f.minPrice,
		MaxPrice:     f.maxPrice,
	}
}
