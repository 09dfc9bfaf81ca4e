// Package state holds the current sensor values between polls. The store
// is the single writer target of the poll cycle and the read source for
// the HTTP snapshot endpoint.
package state

import (
	"sort"
	"sync"
	"time"
)

// Reading is one sensor's current value with its availability flag.
type Reading struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Available bool      `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a thread-safe map of sensor name to current reading.
//
// A successful poll replaces the whole reading set; a failed poll flips
// availability on every reading but never touches values, so consumers
// always see the result of the most recent successful poll.
type Store struct {
	mu       sync.RWMutex
	readings map[string]Reading
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{readings: make(map[string]Reading)}
}

// SetValues replaces the stored readings with the values of a successful
// poll cycle and marks them all available. Sensors absent from values are
// dropped: readings supersede, they never merge.
func (s *Store) SetValues(values map[string]float64, at time.Time) {
	fresh := make(map[string]Reading, len(values))
	for name, value := range values {
		fresh[name] = Reading{Name: name, Value: value, Available: true, UpdatedAt: at}
	}

	s.mu.Lock()
	s.readings = fresh
	s.mu.Unlock()
}

// MarkUnavailable flips availability to false on every known sensor while
// leaving values in place. A failed poll must never reset published values.
func (s *Store) MarkUnavailable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, r := range s.readings {
		r.Available = false
		s.readings[name] = r
	}
}

// Get returns the reading for one sensor.
func (s *Store) Get(name string) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[name]
	return r, ok
}

// Snapshot returns a copy of all readings, sorted by sensor name.
func (s *Store) Snapshot() []Reading {
	s.mu.RLock()
	readings := make([]Reading, 0, len(s.readings))
	for _, r := range s.readings {
		readings = append(readings, r)
	}
	s.mu.RUnlock()

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Name < readings[j].Name
	})
	return readings
}
