package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"

	"tickrelay/internal/infrastructure/svc"
)

// Store caches one authenticated session per credential identity.
// A cached session is reused while the validity invariant holds; an
// expired or incomplete session triggers a fresh login.
type Store struct {
	client LoginClient
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time // test hook
}

func NewStore(client LoginClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 20 * time.Hour
	}
	return &Store{
		client:   client,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// GetOrCreate returns the cached session for the identity when it is
// still valid, otherwise performs a login. A failed login leaves the
// cache empty for that identity.
func (s *Store) GetOrCreate(ctx context.Context, creds Credentials) (*Session, error) {
	id := creds.Identity()

	s.mu.Lock()
	if sess := s.sessions[id]; sess.Valid(s.now(), s.ttl) {
		s.mu.Unlock()
		return sess, nil
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	// An unusable seed is a credential problem, not a stale cache.
	code, err := totp.GenerateCode(creds.TOTPSeed, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid totp seed: %v", svc.ErrAuthFailed, err)
	}

	sess, err := s.client.Login(ctx, creds, code)
	if err != nil {
		log.Error().Str("client_code", creds.ClientCode).Err(err).Msg("upstream login failed")
		return nil, err
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess, nil
}

// Reset drops the cached session for the identity; the next GetOrCreate
// always performs a fresh login.
func (s *Store) Reset(creds Credentials) {
	s.mu.Lock()
	delete(s.sessions, creds.Identity())
	s.mu.Unlock()
}

// ResetAll clears the whole cache.
func (s *Store) ResetAll() {
	s.mu.Lock()
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
}

// Ensure is GetOrCreate with exactly one retry after a Reset when the
// first attempt failed on a stale-cache condition (clock-skew TOTP
// mismatch). A genuine credential rejection propagates immediately.
func (s *Store) Ensure(ctx context.Context, creds Credentials) (*Session, error) {
	sess, err := s.GetOrCreate(ctx, creds)
	if err == nil {
		return sess, nil
	}
	if !IsStale(err) {
		return nil, err
	}
	log.Warn().Str("client_code", creds.ClientCode).Msg("stale session, retrying login once")
	s.Reset(creds)
	return s.GetOrCreate(ctx, creds)
}
