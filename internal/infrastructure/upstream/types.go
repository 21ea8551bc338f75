package upstream

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of one upstream connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuthSnapshot is the token set returned to callers after a successful
// login, sufficient to issue further subscribe requests independently.
type AuthSnapshot struct {
	JwtToken   string `json:"jwt_token"`
	FeedToken  string `json:"feed_token"`
	APIKey     string `json:"api_key"`
	ClientCode string `json:"client_code"`
}

// Status is the non-blocking snapshot of a connection. It reflects only
// in-memory fields.
type Status struct {
	State           string        `json:"status"`
	InstrumentCount int           `json:"instrument_count"`
	Active          bool          `json:"active"`
	Authenticated   bool          `json:"authenticated"`
	LastAuth        *AuthSnapshot `json:"last_auth,omitempty"`
}

// Socket is the subset of the websocket connection the manager uses.
// *websocket.Conn satisfies it; tests substitute a fake.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens the upstream streaming socket.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// WsDialer dials with the default gorilla dialer.
type WsDialer struct{}

func (WsDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(cctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Upstream subscribe frame. Mode 1 requests LTP updates.
type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"` // 1 subscribe, 0 unsubscribe
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int         `json:"mode"`
	TokenList []tokenList `json:"tokenList"`
}

type tokenList struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

const (
	actionSubscribe   = 1
	actionUnsubscribe = 0
	modeLTP           = 1
	exchangeTypeNSE   = 1
)
