package simulator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tickrelay/internal/application/port"
	"tickrelay/internal/infrastructure/forward"
)

const defaultBasePaise = 100_000 // 1000.00 in major units

// Manager runs one random-walk tick generator per instrument token and
// injects the synthetic ticks into the forwarder. Useful when no
// upstream credentials are available.
type Manager struct {
	fwd *forward.Forwarder

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewManager(fwd *forward.Forwarder) *Manager {
	return &Manager{
		fwd:     fwd,
		running: make(map[string]context.CancelFunc),
	}
}

// Start begins simulation for token. Already-running tokens are a
// no-op.
func (m *Manager) Start(ctx context.Context, token string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	m.mu.Lock()
	if _, ok := m.running[token]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running[token] = cancel
	m.mu.Unlock()

	go m.run(ctx, token, interval)
	log.Info().Str("token", token).Dur("interval", interval).Msg("simulation started")
}

func (m *Manager) run(ctx context.Context, token string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ltp := int64(defaultBasePaise)
	var volume int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ltp += int64(rand.Intn(101) - 50)
			if ltp <= 0 {
				ltp = defaultBasePaise
			}
			volume += int64(rand.Intn(500))

			m.fwd.Handle(ctx, &port.RawTick{
				Token:        token,
				LastTradedPx: ltp,
				DayVolume:    volume,
			})
		}
	}
}

// Stop ends simulation for token. Unknown tokens are a no-op.
func (m *Manager) Stop(token string) {
	m.mu.Lock()
	cancel, ok := m.running[token]
	delete(m.running, token)
	m.mu.Unlock()

	if ok {
		cancel()
		log.Info().Str("token", token).Msg("simulation stopped")
	}
}

// StopAll ends every running simulation and returns the count stopped.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.running))
	for _, c := range m.running {
		cancels = append(cancels, c)
	}
	m.running = make(map[string]context.CancelFunc)
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Running reports whether token is currently being simulated.
func (m *Manager) Running(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[token]
	return ok
}
