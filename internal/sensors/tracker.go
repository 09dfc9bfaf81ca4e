package sensors

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/helpdesk-tools/freescout-sensors/internal/freescout"
)

// Tracker detects conversations that arrived since the previous poll by
// remembering recently seen conversation IDs. The ID set is an LRU cache so
// a long-running process cannot grow it without bound; size it several
// pages above the snapshot size so eviction cannot re-surface old IDs
// during normal operation.
type Tracker struct {
	mu     sync.Mutex
	seen   *lru.Cache
	primed bool
}

// NewTracker creates a Tracker remembering up to size conversation IDs.
func NewTracker(size int) (*Tracker, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Tracker{seen: cache}, nil
}

// Observe records the current snapshot and returns the conversations not
// seen on any previous call. The first call primes the set and reports
// nothing new, so a restart does not replay existing conversations as
// fresh arrivals.
func (t *Tracker) Observe(convs []freescout.Conversation) []freescout.Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.primed {
		for _, c := range convs {
			t.seen.Add(c.ID, struct{}{})
		}
		t.primed = true
		return nil
	}

	var fresh []freescout.Conversation
	for _, c := range convs {
		if !t.seen.Contains(c.ID) {
			fresh = append(fresh, c)
		}
		t.seen.Add(c.ID, struct{}{})
	}
	return fresh
}
