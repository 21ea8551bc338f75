package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"tickrelay/internal/application/port"
	"tickrelay/internal/infrastructure/forward"
	"tickrelay/internal/infrastructure/session"
	"tickrelay/internal/infrastructure/svc"
)

// Connection owns one upstream streaming socket bound to a session key.
// Start runs as a background task; callers observe progress through
// Status. A login failure is terminal for the connection: recovery is
// disconnect plus a fresh connect, never an automatic retry.
type Connection struct {
	key        string
	creds      session.Credentials
	wsURL      string
	backendURL string
	corrID     string

	store  *session.Store
	fwd    *forward.Forwarder
	dialer Dialer

	mu          sync.Mutex
	state       State
	sock        Socket
	instruments map[string]struct{}
	pending     map[string]struct{}
	lastAuth    *AuthSnapshot
	cancel      context.CancelFunc

	ticks chan *port.RawTick
}

// ConnDeps are the collaborators shared by every connection.
type ConnDeps struct {
	Store  *session.Store
	Fwd    *forward.Forwarder
	Dialer Dialer
	WsURL  string
}

func NewConnection(key string, creds session.Credentials, instruments []string, backendURL string, deps ConnDeps) *Connection {
	set := make(map[string]struct{}, len(instruments))
	for _, t := range instruments {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = WsDialer{}
	}
	return &Connection{
		key:         key,
		creds:       creds,
		wsURL:       deps.WsURL,
		backendURL:  backendURL,
		corrID:      "ws_" + key,
		store:       deps.Store,
		fwd:         deps.Fwd,
		dialer:      dialer,
		state:       StateIdle,
		instruments: set,
		pending:     make(map[string]struct{}),
		ticks:       make(chan *port.RawTick, 1024),
	}
}

// Start authenticates, opens the socket and runs the receive loop. It
// blocks until the connection closes and is meant to run in its own
// goroutine. Calling Stop concurrently is safe: whichever of the two
// observes the state first wins and no socket outlives a stop.
func (c *Connection) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	sess, err := c.store.Ensure(ctx, c.creds)
	if err != nil {
		c.mu.Lock()
		c.lastAuth = nil
		if c.state == StateConnecting {
			c.state = StateFailed
		}
		c.mu.Unlock()
		log.Error().Str("key", c.key).Err(err).Msg("login failed for connection")
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting { // stop raced ahead of us
		c.mu.Unlock()
		return
	}
	c.lastAuth = &AuthSnapshot{
		JwtToken:   sess.AccessToken,
		FeedToken:  sess.FeedToken,
		APIKey:     sess.APIKey,
		ClientCode: sess.ClientCode,
	}
	c.state = StateAuthenticated
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sess.AccessToken)
	header.Set("x-api-key", sess.APIKey)
	header.Set("x-client-code", sess.ClientCode)
	header.Set("x-feed-token", sess.FeedToken)

	sock, err := c.dialer.Dial(ctx, c.wsURL, header)
	if err != nil {
		c.mu.Lock()
		if c.state == StateAuthenticated {
			c.state = StateFailed
		}
		c.mu.Unlock()
		log.Error().Str("key", c.key).Err(err).Msg("upstream dial failed")
		return
	}

	c.mu.Lock()
	if c.state != StateAuthenticated { // stopped while dialing
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.sock = sock
	c.state = StateStreaming
	initial := c.subscribedLocked()
	c.mu.Unlock()

	log.Info().Str("key", c.key).Int("instruments", len(initial)).Msg("upstream connected")

	// on-open: issue the initial subscribe for the instrument set known
	// at start time plus anything queued while authenticating.
	if len(initial) > 0 {
		if err := c.sendFrame(actionSubscribe, initial); err != nil {
			log.Error().Str("key", c.key).Err(err).Msg("initial subscribe failed")
		}
	}

	go c.deliverLoop(ctx)
	c.readLoop(ctx, sock)
}

// subscribedLocked merges pending into instruments and returns the set.
func (c *Connection) subscribedLocked() []string {
	for t := range c.pending {
		c.instruments[t] = struct{}{}
	}
	c.pending = make(map[string]struct{})
	out := make([]string, 0, len(c.instruments))
	for t := range c.instruments {
		out = append(out, t)
	}
	return out
}

// deliverLoop drains the tick channel so webhook latency never
// serializes behind receipt of the next message.
func (c *Connection) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-c.ticks:
			if !ok || ctx.Err() != nil {
				return
			}
			c.fwd.HandleTo(ctx, c.backendURL, raw)
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, sock Socket) {
	_ = sock.SetReadDeadline(time.Now().Add(60 * time.Second))
	sock.SetPongHandler(func(string) error {
		_ = sock.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := sock.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = sock.SetReadDeadline(time.Now().Add(60 * time.Second))
			c.handleMessage(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.markClosed()
			return
		case err := <-errCh:
			// Transport errors do not reconnect automatically; the
			// caller recovers with disconnect + connect.
			if ctx.Err() == nil {
				log.Warn().Str("key", c.key).Err(err).Msg("upstream socket closed")
			}
			c.markClosed()
			return
		case <-pingTicker.C:
			_ = sock.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func (c *Connection) handleMessage(b []byte) {
	var raw port.RawTick
	if err := json.Unmarshal(b, &raw); err != nil {
		log.Error().Str("key", c.key).Err(err).Str("payload", string(b)).Msg("undecodable tick, dropping")
		return
	}
	select {
	case c.ticks <- &raw:
	default:
		log.Warn().Str("key", c.key).Msg("tick buffer full, dropping")
	}
}

// Subscribe extends the instrument set. In STREAMING the upstream frame
// is sent immediately; in AUTHENTICATED the tokens are queued until the
// socket opens. Already-subscribed instruments are skipped.
func (c *Connection) Subscribe(instruments []string) error {
	c.mu.Lock()
	switch c.state {
	case StateStreaming:
		fresh := make([]string, 0, len(instruments))
		for _, t := range instruments {
			if t == "" {
				continue
			}
			if _, ok := c.instruments[t]; ok {
				continue
			}
			c.instruments[t] = struct{}{}
			fresh = append(fresh, t)
		}
		c.mu.Unlock()
		if len(fresh) == 0 {
			return nil
		}
		return c.sendFrame(actionSubscribe, fresh)

	case StateAuthenticated, StateConnecting:
		if c.state == StateConnecting {
			c.mu.Unlock()
			return svc.ErrNotConnected
		}
		for _, t := range instruments {
			if t != "" {
				c.pending[t] = struct{}{}
			}
		}
		c.mu.Unlock()
		return nil

	default:
		c.mu.Unlock()
		return svc.ErrNotConnected
	}
}

// Unsubscribe shrinks the instrument set and issues an upstream
// unsubscribe for the removed tokens.
func (c *Connection) Unsubscribe(instruments []string) error {
	c.mu.Lock()
	removed := make([]string, 0, len(instruments))
	for _, t := range instruments {
		if _, ok := c.instruments[t]; ok {
			delete(c.instruments, t)
			removed = append(removed, t)
		}
		delete(c.pending, t)
	}
	streaming := c.state == StateStreaming
	c.mu.Unlock()

	if !streaming || len(removed) == 0 {
		return nil
	}
	return c.sendFrame(actionUnsubscribe, removed)
}

func (c *Connection) sendFrame(action int, tokens []string) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return svc.ErrNotConnected
	}

	req := subscribeRequest{
		CorrelationID: c.corrID,
		Action:        action,
		Params: subscribeParams{
			Mode: modeLTP,
			TokenList: []tokenList{
				{ExchangeType: exchangeTypeNSE, Tokens: tokens},
			},
		},
	}
	return sock.WriteJSON(req)
}

// Stop closes the connection from any state. Socket-close errors are
// swallowed; stopping an already-closed connection is a no-op.
func (c *Connection) Stop() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	sock := c.sock
	c.sock = nil
	cancel := c.cancel
	c.cancel = nil
	c.state = StateClosed
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		_ = sock.Close()
	}
	log.Info().Str("key", c.key).Msg("upstream connection stopped")
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	if c.state == StateStreaming || c.state == StateClosing {
		c.state = StateClosed
	}
	sock := c.sock
	c.sock = nil
	// Cancel before the closed state becomes observable: the delivery
	// goroutine must not outlive the connection.
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

// Status never blocks and reflects only in-memory fields.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	var auth *AuthSnapshot
	if c.lastAuth != nil {
		cp := *c.lastAuth
		auth = &cp
	}
	state := c.state
	return Status{
		State:           statusLabel(state),
		InstrumentCount: len(c.instruments) + len(c.pending),
		Active:          state == StateStreaming,
		Authenticated:   auth != nil,
		LastAuth:        auth,
	}
}

// Key returns the session key the connection is registered under.
func (c *Connection) Key() string { return c.key }

// statusLabel collapses internal states onto the two labels the control
// surface reports while a connection is being established.
func statusLabel(s State) string {
	switch s {
	case StateIdle, StateConnecting, StateAuthenticated:
		return "connecting"
	case StateStreaming:
		return "connected"
	default:
		return s.String()
	}
}
