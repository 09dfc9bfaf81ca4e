package poller

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdesk-tools/freescout-sensors/internal/database"
	"github.com/helpdesk-tools/freescout-sensors/internal/freescout"
	"github.com/helpdesk-tools/freescout-sensors/internal/publish"
	"github.com/helpdesk-tools/freescout-sensors/internal/sensors"
	"github.com/helpdesk-tools/freescout-sensors/internal/state"
)

// fakeAPI stubs the Freescout client with per-method functions. Unset
// methods return empty results.
type fakeAPI struct {
	countFn   func(q freescout.Query) (int, error)
	listFn    func(q freescout.Query, perPage int) ([]freescout.Conversation, error)
	mailboxFn func() ([]int, error)
	foldersFn func(mailboxID int) ([]freescout.Folder, error)
}

func (f *fakeAPI) CountConversations(_ context.Context, q freescout.Query) (int, error) {
	if f.countFn == nil {
		return 0, nil
	}
	return f.countFn(q)
}

func (f *fakeAPI) ListRecentConversations(_ context.Context, q freescout.Query, perPage int) ([]freescout.Conversation, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(q, perPage)
}

func (f *fakeAPI) ListMailboxIDs(context.Context) ([]int, error) {
	if f.mailboxFn == nil {
		return []int{1}, nil
	}
	return f.mailboxFn()
}

func (f *fakeAPI) ListFolders(_ context.Context, mailboxID int) ([]freescout.Folder, error) {
	if f.foldersFn == nil {
		return nil, nil
	}
	return f.foldersFn(mailboxID)
}

// recordingPublisher captures publishes for assertions.
type recordingPublisher struct {
	mu        sync.Mutex
	published map[string]struct {
		value     float64
		available bool
	}
	events []publish.ConversationEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(map[string]struct {
		value     float64
		available bool
	})}
}

func (r *recordingPublisher) Publish(name string, value float64, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[name] = struct {
		value     float64
		available bool
	}{value, available}
}

func (r *recordingPublisher) PublishEvent(ev publish.ConversationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type fakeHistory struct {
	mu       sync.Mutex
	readings []database.Reading
	events   []publish.ConversationEvent
}

func (f *fakeHistory) BatchInsertReadings(_ context.Context, readings []database.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readings = append(f.readings, readings...)
	return nil
}

func (f *fakeHistory) RecentReadings(context.Context, string, int) ([]database.Reading, error) {
	return nil, nil
}

func (f *fakeHistory) InsertEvent(_ context.Context, ev publish.ConversationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeHistory) Close() error { return nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPoller(t *testing.T, api API, opts Options) (*Poller, *state.Store, *recordingPublisher) {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RecentPageSize == 0 {
		opts.RecentPageSize = 50
	}

	store := state.NewStore()
	pub := newRecordingPublisher()
	tracker, err := sensors.NewTracker(500)
	require.NoError(t, err)

	metrics := NewMetrics(prometheus.NewRegistry())
	p := New(api, store, pub, tracker, testLogger(), metrics, opts)
	return p, store, pub
}

func activeConv(id int, assigneeID int) freescout.Conversation {
	c := freescout.Conversation{ID: id, Status: freescout.StatusActive, MailboxID: 1}
	if assigneeID != 0 {
		c.Assignee = &freescout.Assignee{ID: assigneeID}
	}
	return c
}

func TestRunPublishesDerivedValues(t *testing.T) {
	api := &fakeAPI{
		countFn: func(q freescout.Query) (int, error) {
			switch {
			case q.Status == freescout.StatusActive && q.AssignedTo == 0:
				return 5, nil
			case q.Status == freescout.StatusPending:
				return 2, nil
			case q.AssignedTo == 9:
				return 3, nil
			}
			return 0, nil
		},
		foldersFn: func(int) ([]freescout.Folder, error) {
			return []freescout.Folder{
				{Type: freescout.FolderTypeUnassigned, ActiveCount: 4},
				{Type: freescout.FolderTypeSnoozed, ActiveCount: 1},
				{Type: freescout.FolderTypeCustom, Name: "Repairs", ActiveCount: 2},
			}, nil
		},
		listFn: func(q freescout.Query, _ int) ([]freescout.Conversation, error) {
			return []freescout.Conversation{activeConv(1, 0), activeConv(2, 9)}, nil
		},
	}

	p, store, pub := newTestPoller(t, api, Options{AgentID: 9})
	p.Run(context.Background())

	tests := []struct {
		sensor string
		want   float64
	}{
		{sensors.KeyOpen, 5},
		{sensors.KeyPending, 2},
		{sensors.KeyMyTickets, 3},
		{sensors.KeyUnassigned, 4},
		{sensors.KeySnoozed, 1},
		{"folder_repairs", 2},
		{sensors.KeyNew, 0}, // first cycle primes, never fires
	}
	for _, tt := range tests {
		r, ok := store.Get(tt.sensor)
		require.True(t, ok, "missing sensor %s", tt.sensor)
		assert.Equal(t, tt.want, r.Value, tt.sensor)
		assert.True(t, r.Available, tt.sensor)

		got, ok := pub.published[tt.sensor]
		require.True(t, ok, "sensor %s not published", tt.sensor)
		assert.Equal(t, tt.want, got.value, tt.sensor)
		assert.True(t, got.available, tt.sensor)
	}
}

func TestRunDetectsNewConversations(t *testing.T) {
	var convs []freescout.Conversation
	api := &fakeAPI{
		listFn: func(freescout.Query, int) ([]freescout.Conversation, error) {
			return convs, nil
		},
	}

	p, store, pub := newTestPoller(t, api, Options{})

	convs = []freescout.Conversation{activeConv(1, 0)}
	p.Run(context.Background())
	r, _ := store.Get(sensors.KeyNew)
	assert.Equal(t, 0.0, r.Value)

	convs = []freescout.Conversation{activeConv(1, 0), {
		ID: 2, Status: freescout.StatusActive, MailboxID: 3,
		Subject: "Broken gauge", Assignee: &freescout.Assignee{ID: 4},
	}}
	p.Run(context.Background())

	r, _ = store.Get(sensors.KeyNew)
	assert.Equal(t, 1.0, r.Value)
	require.Len(t, pub.events, 1)
	assert.Equal(t, 2, pub.events[0].ConversationID)
	assert.Equal(t, "Broken gauge", pub.events[0].Subject)
	assert.Equal(t, 3, pub.events[0].MailboxID)
	assert.Equal(t, 4, pub.events[0].AssigneeID)
}

func TestRunFailureKeepsValuesAndFlipsAvailability(t *testing.T) {
	failing := false
	api := &fakeAPI{
		countFn: func(q freescout.Query) (int, error) {
			if failing {
				return 0, freescout.ErrUnavailable
			}
			if q.Status == freescout.StatusActive {
				return 5, nil
			}
			return 0, nil
		},
	}

	p, store, pub := newTestPoller(t, api, Options{})
	p.Run(context.Background())

	r, _ := store.Get(sensors.KeyOpen)
	require.Equal(t, 5.0, r.Value)

	failing = true
	p.Run(context.Background())

	r, ok := store.Get(sensors.KeyOpen)
	require.True(t, ok)
	assert.Equal(t, 5.0, r.Value, "failed poll must keep the prior value")
	assert.False(t, r.Available)

	got := pub.published[sensors.KeyOpen]
	assert.Equal(t, 5.0, got.value)
	assert.False(t, got.available, "failure must be republished as unavailable")
}

func TestRunRecoveryRestoresAvailability(t *testing.T) {
	mode := "ok"
	api := &fakeAPI{
		countFn: func(q freescout.Query) (int, error) {
			if mode == "fail" {
				return 0, freescout.ErrUnavailable
			}
			if q.Status == freescout.StatusActive {
				return 7, nil
			}
			return 0, nil
		},
	}

	p, store, pub := newTestPoller(t, api, Options{})
	p.Run(context.Background())
	mode = "fail"
	p.Run(context.Background())
	mode = "ok"
	p.Run(context.Background())

	r, _ := store.Get(sensors.KeyOpen)
	assert.Equal(t, 7.0, r.Value)
	assert.True(t, r.Available)
	assert.True(t, pub.published[sensors.KeyOpen].available)
}

func TestRunMalformedResponseDoesNotCrash(t *testing.T) {
	failing := false
	api := &fakeAPI{
		listFn: func(freescout.Query, int) ([]freescout.Conversation, error) {
			if failing {
				return nil, freescout.ErrMalformed
			}
			return []freescout.Conversation{activeConv(1, 0)}, nil
		},
		countFn: func(q freescout.Query) (int, error) {
			if q.Status == freescout.StatusActive {
				return 1, nil
			}
			return 0, nil
		},
	}

	p, store, _ := newTestPoller(t, api, Options{})
	p.Run(context.Background())

	failing = true
	assert.NotPanics(t, func() { p.Run(context.Background()) })

	r, ok := store.Get(sensors.KeyOpen)
	require.True(t, ok)
	assert.Equal(t, 1.0, r.Value, "malformed payload keeps last known value")

	// the scheduler's next tick still works
	failing = false
	p.Run(context.Background())
	r, _ = store.Get(sensors.KeyOpen)
	assert.True(t, r.Available)
}

func TestRunUnauthorizedIsHandled(t *testing.T) {
	api := &fakeAPI{
		countFn: func(freescout.Query) (int, error) {
			return 0, freescout.ErrUnauthorized
		},
	}

	p, store, _ := newTestPoller(t, api, Options{})
	assert.NotPanics(t, func() { p.Run(context.Background()) })
	assert.Empty(t, store.Snapshot(), "no values were ever published")
}

func TestRunZeroTickets(t *testing.T) {
	api := &fakeAPI{} // everything returns empty
	p, store, _ := newTestPoller(t, api, Options{})
	p.Run(context.Background())

	for _, key := range []string{sensors.KeyOpen, sensors.KeyPending, sensors.KeyUnassigned, sensors.KeySnoozed, sensors.KeyNew} {
		r, ok := store.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, 0.0, r.Value, key)
		assert.True(t, r.Available, "zero tickets is a successful poll, not unavailable")
	}

	_, ok := store.Get(sensors.KeyMyTickets)
	assert.False(t, ok, "my_tickets requires a configured agent")
}

func TestRunCustomSensors(t *testing.T) {
	api := &fakeAPI{
		listFn: func(q freescout.Query, _ int) ([]freescout.Conversation, error) {
			switch q.Status {
			case freescout.StatusActive:
				return []freescout.Conversation{activeConv(1, 0), activeConv(2, 9)}, nil
			case freescout.StatusPending:
				return []freescout.Conversation{{ID: 3, Status: freescout.StatusPending}}, nil
			}
			return nil, nil
		},
	}

	p, store, _ := newTestPoller(t, api, Options{
		CustomSensors: []sensors.CustomSpec{
			{Name: "backlog", Status: freescout.StatusActive, Unassigned: true},
			{Name: "parked", Status: freescout.StatusPending},
		},
	})
	p.Run(context.Background())

	r, ok := store.Get("backlog")
	require.True(t, ok)
	assert.Equal(t, 1.0, r.Value)

	r, ok = store.Get("parked")
	require.True(t, ok)
	assert.Equal(t, 1.0, r.Value)
}

func TestRunScopedToMailboxes(t *testing.T) {
	var mu sync.Mutex
	countedMailboxes := map[int]bool{}
	api := &fakeAPI{
		countFn: func(q freescout.Query) (int, error) {
			mu.Lock()
			countedMailboxes[q.MailboxID] = true
			mu.Unlock()
			return 2, nil
		},
		foldersFn: func(mailboxID int) ([]freescout.Folder, error) {
			return []freescout.Folder{{Type: freescout.FolderTypeUnassigned, ActiveCount: 1}}, nil
		},
	}

	p, store, _ := newTestPoller(t, api, Options{MailboxIDs: []int{2, 5}})
	p.Run(context.Background())

	mu.Lock()
	assert.True(t, countedMailboxes[2])
	assert.True(t, countedMailboxes[5])
	assert.False(t, countedMailboxes[0], "no unscoped count when mailboxes are configured")
	mu.Unlock()

	r, _ := store.Get(sensors.KeyOpen)
	assert.Equal(t, 4.0, r.Value, "counts sum across configured mailboxes")

	r, _ = store.Get(sensors.KeyUnassigned)
	assert.Equal(t, 2.0, r.Value, "folder counts sum across configured mailboxes")
}

func TestRunRecordsHistory(t *testing.T) {
	history := &fakeHistory{}
	convs := []freescout.Conversation{activeConv(1, 0)}
	api := &fakeAPI{
		listFn: func(freescout.Query, int) ([]freescout.Conversation, error) {
			return convs, nil
		},
	}

	p, _, _ := newTestPoller(t, api, Options{History: history})
	p.Run(context.Background())
	require.NotEmpty(t, history.readings)

	recorded := map[string]bool{}
	for _, r := range history.readings {
		recorded[r.Sensor] = true
	}
	assert.True(t, recorded[sensors.KeyOpen])
	assert.True(t, recorded[sensors.KeyNew])

	convs = append(convs, activeConv(8, 0))
	p.Run(context.Background())
	require.Len(t, history.events, 1)
	assert.Equal(t, 8, history.events[0].ConversationID)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	api := &fakeAPI{
		countFn: func(freescout.Query) (int, error) {
			return 0, freescout.ErrUnavailable // a cancelled client surfaces as unavailable
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, store, _ := newTestPoller(t, api, Options{})
	assert.NotPanics(t, func() { p.Run(ctx) })
	assert.Empty(t, store.Snapshot())
}
