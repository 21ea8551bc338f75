package subscription

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Controller starts and stops upstream tracking for a single
// instrument. The registry calls it on 0->1 and 1->0 reference count
// transitions, outside its bookkeeping lock.
type Controller interface {
	StartTracking(token string)
	StopTracking(token string)
}

// Registry reference-counts downstream interest per instrument. Each
// party holds at most one instrument at a time: subscribing to a new
// one first releases the previous. Party disconnection releases
// whatever the party held, exactly once.
type Registry struct {
	ctrl Controller

	mu      sync.Mutex
	parties map[string]string // party id -> held token
	counts  map[string]int    // token -> watcher count

	// ctrlMu serializes controller calls; tracking records what the
	// controller has been told. Together they guarantee start/stop
	// strictly alternate per token and always reflect the reference
	// count at call time, even when subscribe and unsubscribe interleave.
	ctrlMu   sync.Mutex
	tracking map[string]bool
}

func NewRegistry(ctrl Controller) *Registry {
	return &Registry{
		ctrl:     ctrl,
		parties:  make(map[string]string),
		counts:   make(map[string]int),
		tracking: make(map[string]bool),
	}
}

// Subscribe records partyID's interest in token. Re-subscribing to the
// held token is a no-op.
func (r *Registry) Subscribe(partyID, token string) {
	if token == "" {
		return
	}

	r.mu.Lock()
	prev, held := r.parties[partyID]
	if held && prev == token {
		r.mu.Unlock()
		return
	}
	if held {
		r.releaseLocked(prev)
	}
	r.parties[partyID] = token
	r.counts[token]++
	r.mu.Unlock()

	if held {
		r.reconcile(prev)
	}
	r.reconcile(token)
	log.Debug().Str("party", partyID).Str("token", token).Msg("party subscribed")
}

// Unsubscribe drops partyID's interest in token. Unknown pairs are a
// no-op.
func (r *Registry) Unsubscribe(partyID, token string) {
	r.mu.Lock()
	if held, ok := r.parties[partyID]; !ok || held != token {
		r.mu.Unlock()
		return
	}
	delete(r.parties, partyID)
	r.releaseLocked(token)
	r.mu.Unlock()

	r.reconcile(token)
	log.Debug().Str("party", partyID).Str("token", token).Msg("party unsubscribed")
}

// DropParty releases every instrument the party held. Called when a
// downstream client disconnects.
func (r *Registry) DropParty(partyID string) {
	r.mu.Lock()
	token, ok := r.parties[partyID]
	if ok {
		delete(r.parties, partyID)
		r.releaseLocked(token)
	}
	r.mu.Unlock()

	if ok {
		r.reconcile(token)
	}
}

func (r *Registry) releaseLocked(token string) {
	if n := r.counts[token] - 1; n <= 0 {
		delete(r.counts, token)
	} else {
		r.counts[token] = n
	}
}

// reconcile aligns upstream tracking for token with its reference
// count. The desired state is re-read under ctrlMu, so a decision made
// stale by a concurrent subscribe or unsubscribe is discarded instead
// of being issued out of order.
func (r *Registry) reconcile(token string) {
	r.ctrlMu.Lock()
	defer r.ctrlMu.Unlock()

	r.mu.Lock()
	want := r.counts[token] > 0
	have := r.tracking[token]
	if want == have {
		r.mu.Unlock()
		return
	}
	if want {
		r.tracking[token] = true
	} else {
		delete(r.tracking, token)
	}
	r.mu.Unlock()

	if want {
		r.ctrl.StartTracking(token)
	} else {
		r.ctrl.StopTracking(token)
	}
}

// Count returns the current watcher count for token.
func (r *Registry) Count(token string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[token]
}

// Held returns the instrument a party currently holds, if any.
func (r *Registry) Held(partyID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.parties[partyID]
	return t, ok
}
