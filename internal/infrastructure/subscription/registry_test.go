package subscription

import (
	"fmt"
	"sync"
	"testing"
)

type countingController struct {
	mu     sync.Mutex
	starts map[string]int
	stops  map[string]int
}

func newCountingController() *countingController {
	return &countingController{starts: make(map[string]int), stops: make(map[string]int)}
}

func (c *countingController) StartTracking(token string) {
	c.mu.Lock()
	c.starts[token]++
	c.mu.Unlock()
}

func (c *countingController) StopTracking(token string) {
	c.mu.Lock()
	c.stops[token]++
	c.mu.Unlock()
}

func (c *countingController) counts(token string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts[token], c.stops[token]
}

func TestFirstSubscriberStartsTracking(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	r.Subscribe("p1", "3045")
	r.Subscribe("p2", "3045")
	r.Subscribe("p3", "3045")

	starts, stops := ctrl.counts("3045")
	if starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
	if stops != 0 {
		t.Errorf("stops = %d, want 0", stops)
	}
	if got := r.Count("3045"); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
}

func TestLastUnsubscribeStopsTracking(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	r.Subscribe("p1", "3045")
	r.Subscribe("p2", "3045")
	r.Unsubscribe("p1", "3045")

	if _, stops := ctrl.counts("3045"); stops != 0 {
		t.Fatalf("teardown fired while a watcher remains")
	}

	r.Unsubscribe("p2", "3045")
	starts, stops := ctrl.counts("3045")
	if starts != 1 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 1/1", starts, stops)
	}
	if got := r.Count("3045"); got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
}

func TestResubscribeSameTokenIsNoop(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	r.Subscribe("p1", "3045")
	r.Subscribe("p1", "3045")

	starts, _ := ctrl.counts("3045")
	if starts != 1 {
		t.Errorf("starts = %d, want 1", starts)
	}
	if got := r.Count("3045"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
}

func TestSwitchingInstrumentReleasesPrevious(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	r.Subscribe("p1", "3045")
	r.Subscribe("p1", "11536")

	if _, stops := ctrl.counts("3045"); stops != 1 {
		t.Errorf("previous instrument stops = %d, want 1", stops)
	}
	if starts, _ := ctrl.counts("11536"); starts != 1 {
		t.Errorf("new instrument starts = %d, want 1", starts)
	}
	if held, _ := r.Held("p1"); held != "11536" {
		t.Errorf("held = %q, want 11536", held)
	}
	if got := r.Count("3045"); got != 0 {
		t.Errorf("old token count = %d, want 0", got)
	}
}

func TestUnknownUnsubscribeIsNoop(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	r.Unsubscribe("ghost", "3045")
	r.Subscribe("p1", "3045")
	r.Unsubscribe("p1", "11536") // wrong token

	if got := r.Count("3045"); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	if _, stops := ctrl.counts("3045"); stops != 0 {
		t.Errorf("stops = %d, want 0", stops)
	}
}

func TestDropPartyReleasesOnce(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	r.Subscribe("p1", "3045")
	r.DropParty("p1")
	r.DropParty("p1")

	_, stops := ctrl.counts("3045")
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
}

type sequenceController struct {
	mu     sync.Mutex
	events []string
}

func (c *sequenceController) StartTracking(string) {
	c.mu.Lock()
	c.events = append(c.events, "start")
	c.mu.Unlock()
}

func (c *sequenceController) StopTracking(string) {
	c.mu.Lock()
	c.events = append(c.events, "stop")
	c.mu.Unlock()
}

func (c *sequenceController) sequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	copy(out, c.events)
	return out
}

// A start decided before a concurrent teardown must never be issued
// after it: per token the controller has to see start, stop, start,
// stop with no doubles, or tracking leaks with a zero reference count.
func TestTrackingTransitionsAlternate(t *testing.T) {
	ctrl := &sequenceController{}
	r := NewRegistry(ctrl)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("party-%d", i)
			for j := 0; j < 50; j++ {
				r.Subscribe(id, "3045")
				r.Unsubscribe(id, "3045")
			}
		}(i)
	}
	wg.Wait()

	events := ctrl.sequence()
	for i, e := range events {
		want := "start"
		if i%2 == 1 {
			want = "stop"
		}
		if e != want {
			t.Fatalf("event %d = %q, want %q (sequence %v...)", i, e, want, events[:i+1])
		}
	}
	if len(events)%2 != 0 {
		t.Errorf("%d transitions: tracking left on with zero watchers", len(events))
	}
	if got := r.Count("3045"); got != 0 {
		t.Errorf("final count = %d, want 0", got)
	}
}

func TestConcurrentChurnBalancesCounts(t *testing.T) {
	ctrl := newCountingController()
	r := NewRegistry(ctrl)

	const parties = 64
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("party-%d", i)
			r.Subscribe(id, "3045")
			r.Subscribe(id, "3045")
			r.Unsubscribe(id, "3045")
		}(i)
	}
	wg.Wait()

	if got := r.Count("3045"); got != 0 {
		t.Errorf("final count = %d, want 0", got)
	}
	starts, stops := ctrl.counts("3045")
	if starts != stops {
		t.Errorf("starts %d != stops %d after balanced churn", starts, stops)
	}
	if starts == 0 {
		t.Error("expected at least one start/stop cycle")
	}
}
