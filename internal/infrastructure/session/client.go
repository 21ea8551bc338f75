package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tickrelay/internal/infrastructure/svc"
)

// Credentials identifies one upstream trading account.
type Credentials struct {
	APIKey     string `json:"api_key"`
	ClientCode string `json:"client_code"`
	Password   string `json:"password"`
	TOTPSeed   string `json:"totp_seed"`
}

// Identity is the cache key for a credential set.
func (c Credentials) Identity() string {
	return c.APIKey + ":" + c.ClientCode
}

// Session holds the tokens issued by one successful login.
// Sessions are replaced on refresh, never mutated in place.
type Session struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
	APIKey       string
	ClientCode   string
	CreatedAt    time.Time
}

// Valid reports whether the session still satisfies the validity
// invariant: all tokens present and younger than ttl.
func (s *Session) Valid(now time.Time, ttl time.Duration) bool {
	if s == nil {
		return false
	}
	if s.AccessToken == "" || s.FeedToken == "" || s.ClientCode == "" {
		return false
	}
	return now.Sub(s.CreatedAt) < ttl
}

// LoginClient exchanges credentials plus a one-time code for tokens.
type LoginClient interface {
	Login(ctx context.Context, creds Credentials, code string) (*Session, error)
}

type loginRequest struct {
	ClientCode string `json:"clientcode"`
	Password   string `json:"password"`
	TOTP       string `json:"totp"`
}

type loginResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode"`
	Data      struct {
		JwtToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	} `json:"data"`
}

// staleTOTPCode is the provider error for a one-time code that no longer
// matches, typically caused by clock skew on a reused session object.
const staleTOTPCode = "AB1050"

// staleError marks a login failure that is worth one retry with a fresh
// code; anything else is a genuine credential rejection.
type staleError struct{ msg string }

func (e *staleError) Error() string { return e.msg }
func (e *staleError) Unwrap() error { return svc.ErrAuthFailed }

// IsStale reports whether err is a stale-cache login failure.
func IsStale(err error) bool {
	var se *staleError
	return errors.As(err, &se)
}

// HTTPLoginClient talks to the upstream provider's auth endpoint.
type HTTPLoginClient struct {
	authURL string
	hc      *http.Client
}

func NewHTTPLoginClient(authURL string) *HTTPLoginClient {
	return &HTTPLoginClient{
		authURL: authURL,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPLoginClient) Login(ctx context.Context, creds Credentials, code string) (*Session, error) {
	body, _ := json.Marshal(loginRequest{
		ClientCode: creds.ClientCode,
		Password:   creds.Password,
		TOTP:       code,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PrivateKey", creds.APIKey)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", svc.ErrAuthFailed, err)
	}
	defer resp.Body.Close()

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("%w: bad auth response: %v", svc.ErrAuthFailed, err)
	}
	if !lr.Status {
		if lr.ErrorCode == staleTOTPCode {
			return nil, &staleError{msg: "login failed: " + lr.Message}
		}
		return nil, fmt.Errorf("%w: %s", svc.ErrAuthFailed, lr.Message)
	}
	if lr.Data.JwtToken == "" || lr.Data.FeedToken == "" {
		return nil, fmt.Errorf("%w: incomplete token set", svc.ErrAuthFailed)
	}

	return &Session{
		AccessToken:  lr.Data.JwtToken,
		RefreshToken: lr.Data.RefreshToken,
		FeedToken:    lr.Data.FeedToken,
		APIKey:       creds.APIKey,
		ClientCode:   creds.ClientCode,
		CreatedAt:    time.Now(),
	}, nil
}
