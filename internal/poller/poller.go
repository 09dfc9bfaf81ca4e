// Package poller runs one fetch-and-publish cycle against a Freescout
// instance: fan out the API fetches, derive sensor values, update the
// state store, and hand the results to the publish sinks. A cycle never
// returns an error to its caller; failures are logged, flip availability,
// and the next scheduled tick is the retry.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/helpdesk-tools/freescout-sensors/internal/database"
	"github.com/helpdesk-tools/freescout-sensors/internal/freescout"
	"github.com/helpdesk-tools/freescout-sensors/internal/publish"
	"github.com/helpdesk-tools/freescout-sensors/internal/sensors"
	"github.com/helpdesk-tools/freescout-sensors/internal/state"
)

// API is the slice of the Freescout client the poller needs.
type API interface {
	CountConversations(ctx context.Context, q freescout.Query) (int, error)
	ListRecentConversations(ctx context.Context, q freescout.Query, perPage int) ([]freescout.Conversation, error)
	ListMailboxIDs(ctx context.Context) ([]int, error)
	ListFolders(ctx context.Context, mailboxID int) ([]freescout.Folder, error)
}

// Metrics are the poller's own Prometheus instruments.
type Metrics struct {
	Cycles   *prometheus.CounterVec
	Duration prometheus.Histogram
}

// NewMetrics creates and registers the poller metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "freescout_poll_cycles_total",
				Help: "Poll cycles by result.",
			},
			[]string{"result"},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "freescout_poll_duration_seconds",
				Help:    "Wall time of one poll cycle.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.Cycles, m.Duration)
	return m
}

// Options configures a Poller.
type Options struct {
	// AgentID enables the my_tickets sensor when non-zero.
	AgentID int
	// MailboxIDs restricts polling; empty polls all mailboxes.
	MailboxIDs []int
	// RecentPageSize is how many conversations per status the snapshot
	// fetch requests.
	RecentPageSize int
	// Timeout bounds one whole cycle.
	Timeout time.Duration
	// CustomSensors are user-defined predicate sensors.
	CustomSensors []sensors.CustomSpec
	// History records readings and events when non-nil. Best effort: a
	// history failure does not fail the cycle.
	History database.ReadingRepository
}

// Poller executes poll cycles. It is safe to call Run repeatedly but the
// scheduler guarantees runs never overlap.
type Poller struct {
	api     API
	store   *state.Store
	pub     publish.Publisher
	tracker *sensors.Tracker
	logger  *logrus.Logger
	metrics *Metrics
	opts    Options
}

// New creates a Poller.
func New(api API, store *state.Store, pub publish.Publisher, tracker *sensors.Tracker,
	logger *logrus.Logger, metrics *Metrics, opts Options) *Poller {
	return &Poller{
		api:     api,
		store:   store,
		pub:     pub,
		tracker: tracker,
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// snapshot is everything one cycle fetched from the API.
type snapshot struct {
	counts        map[string]int
	folders       []freescout.Folder
	conversations []freescout.Conversation
}

// Run executes one poll cycle. It never panics and never returns an
// error: a failed cycle marks the published sensors unavailable and
// leaves their values untouched.
func (p *Poller) Run(ctx context.Context) {
	start := time.Now()
	log := p.logger.WithField("cycle_id", uuid.NewString())

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	snap, err := p.fetch(ctx, log)
	if err != nil {
		p.failCycle(log, err)
		p.metrics.Cycles.WithLabelValues("failure").Inc()
		p.metrics.Duration.Observe(time.Since(start).Seconds())
		return
	}

	values, fresh := p.derive(snap)
	now := time.Now()

	p.store.SetValues(values, now)
	for name, value := range values {
		p.pub.Publish(name, value, true)
	}

	events := make([]publish.ConversationEvent, 0, len(fresh))
	for _, c := range fresh {
		ev := conversationEvent(c)
		events = append(events, ev)
		p.pub.PublishEvent(ev)
	}

	p.recordHistory(ctx, log, values, events, now)

	log.WithFields(logrus.Fields{
		"sensors":     len(values),
		"new":         len(fresh),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("poll cycle complete")

	p.metrics.Cycles.WithLabelValues("success").Inc()
	p.metrics.Duration.Observe(time.Since(start).Seconds())
}

// fetch performs all API reads for one cycle concurrently. Any single
// failure fails the whole cycle: sensor values are superseded as a set,
// never merged from partial data.
func (p *Poller) fetch(ctx context.Context, log *logrus.Entry) (*snapshot, error) {
	snap := &snapshot{counts: make(map[string]int)}

	var mu sync.Mutex
	var errs []error

	type task func(ctx context.Context) error

	tasks := []task{
		func(ctx context.Context) error {
			n, err := p.countForMailboxes(ctx, freescout.Query{Status: freescout.StatusActive})
			if err != nil {
				return err
			}
			mu.Lock()
			snap.counts[sensors.KeyOpen] = n
			mu.Unlock()
			return nil
		},
		func(ctx context.Context) error {
			n, err := p.countForMailboxes(ctx, freescout.Query{Status: freescout.StatusPending})
			if err != nil {
				return err
			}
			mu.Lock()
			snap.counts[sensors.KeyPending] = n
			mu.Unlock()
			return nil
		},
		func(ctx context.Context) error {
			folders, err := p.fetchFolders(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.folders = folders
			mu.Unlock()
			return nil
		},
		func(ctx context.Context) error {
			convs, err := p.fetchConversations(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.conversations = convs
			mu.Unlock()
			return nil
		},
	}

	if p.opts.AgentID != 0 {
		tasks = append(tasks, func(ctx context.Context) error {
			n, err := p.countForMailboxes(ctx, freescout.Query{
				Status:     freescout.StatusActive,
				AssignedTo: p.opts.AgentID,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			snap.counts[sensors.KeyMyTickets] = n
			mu.Unlock()
			return nil
		})
	}

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			if err := t(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()

	if len(errs) > 0 {
		// surface the config error if there is one; the rest is noise
		for _, err := range errs {
			if errors.Is(err, freescout.ErrUnauthorized) {
				return nil, err
			}
		}
		return nil, errs[0]
	}
	return snap, nil
}

// countForMailboxes sums a conversation count over the configured
// mailboxes, or takes the instance-wide count when no filter is set.
func (p *Poller) countForMailboxes(ctx context.Context, q freescout.Query) (int, error) {
	if len(p.opts.MailboxIDs) == 0 {
		return p.api.CountConversations(ctx, q)
	}

	total := 0
	for _, id := range p.opts.MailboxIDs {
		q.MailboxID = id
		n, err := p.api.CountConversations(ctx, q)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// fetchFolders lists the folders of every polled mailbox. Folder counts
// always need the mailbox list, so it is discovered per cycle when no
// filter is configured.
func (p *Poller) fetchFolders(ctx context.Context) ([]freescout.Folder, error) {
	mailboxes := p.opts.MailboxIDs
	if len(mailboxes) == 0 {
		discovered, err := p.api.ListMailboxIDs(ctx)
		if err != nil {
			return nil, err
		}
		mailboxes = discovered
	}

	var folders []freescout.Folder
	for _, id := range mailboxes {
		fs, err := p.api.ListFolders(ctx, id)
		if err != nil {
			return nil, err
		}
		folders = append(folders, fs...)
	}
	return folders, nil
}

// fetchConversations builds the per-cycle conversation snapshot: the most
// recent active conversations plus one page per extra status a custom
// sensor filters on, de-duplicated by ID.
func (p *Poller) fetchConversations(ctx context.Context) ([]freescout.Conversation, error) {
	statuses := []string{freescout.StatusActive}
	seen := map[string]bool{freescout.StatusActive: true}
	for _, spec := range p.opts.CustomSensors {
		if spec.Status != "" && !seen[spec.Status] {
			statuses = append(statuses, spec.Status)
			seen[spec.Status] = true
		}
	}

	byID := make(map[int]freescout.Conversation)
	var ordered []freescout.Conversation
	for _, status := range statuses {
		convs, err := p.listForMailboxes(ctx, freescout.Query{Status: status})
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			if _, dup := byID[c.ID]; dup {
				continue
			}
			byID[c.ID] = c
			ordered = append(ordered, c)
		}
	}
	return ordered, nil
}

func (p *Poller) listForMailboxes(ctx context.Context, q freescout.Query) ([]freescout.Conversation, error) {
	if len(p.opts.MailboxIDs) == 0 {
		return p.api.ListRecentConversations(ctx, q, p.opts.RecentPageSize)
	}

	var all []freescout.Conversation
	for _, id := range p.opts.MailboxIDs {
		q.MailboxID = id
		convs, err := p.api.ListRecentConversations(ctx, q, p.opts.RecentPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, convs...)
	}
	return all, nil
}

// derive turns one snapshot into the sensor value set and the list of
// newly arrived conversations.
func (p *Poller) derive(snap *snapshot) (map[string]float64, []freescout.Conversation) {
	values := make(map[string]float64, len(snap.counts)+4)
	for key, n := range snap.counts {
		values[key] = float64(n)
	}

	folderCounts := sensors.AggregateFolders(snap.folders)
	values[sensors.KeyUnassigned] = float64(folderCounts.Unassigned)
	values[sensors.KeySnoozed] = float64(folderCounts.Snoozed)
	for key, n := range folderCounts.Custom {
		values[key] = float64(n)
	}

	for _, spec := range p.opts.CustomSensors {
		values[spec.Name] = float64(sensors.Count(snap.conversations, spec.Predicate()))
	}

	active := make([]freescout.Conversation, 0, len(snap.conversations))
	for _, c := range snap.conversations {
		if c.Status == freescout.StatusActive {
			active = append(active, c)
		}
	}
	fresh := p.tracker.Observe(active)
	values[sensors.KeyNew] = float64(len(fresh))

	return values, fresh
}

// failCycle classifies the error, logs it, and marks every published
// sensor unavailable without touching its value.
func (p *Poller) failCycle(log *logrus.Entry, err error) {
	switch {
	case errors.Is(err, freescout.ErrUnauthorized):
		log.WithError(err).Error("freescout rejected the API key; fix the credentials in the config")
	case errors.Is(err, freescout.ErrMalformed):
		log.WithError(err).Warn("freescout returned an undecodable payload; keeping last known values")
	default:
		log.WithError(err).Warn("poll failed; retrying on the next scheduled tick")
	}

	p.store.MarkUnavailable()
	for _, r := range p.store.Snapshot() {
		p.pub.Publish(r.Name, r.Value, false)
	}
}

// recordHistory persists the cycle to Postgres when history is enabled.
func (p *Poller) recordHistory(ctx context.Context, log *logrus.Entry,
	values map[string]float64, events []publish.ConversationEvent, at time.Time) {
	if p.opts.History == nil {
		return
	}

	readings := make([]database.Reading, 0, len(values))
	for name, value := range values {
		readings = append(readings, database.Reading{Time: at, Sensor: name, Value: value})
	}
	if err := p.opts.History.BatchInsertReadings(ctx, readings); err != nil {
		log.WithError(err).Warn("failed to record reading history")
	}

	for _, ev := range events {
		if err := p.opts.History.InsertEvent(ctx, ev); err != nil {
			log.WithError(err).Warn("failed to record conversation event")
		}
	}
}

func conversationEvent(c freescout.Conversation) publish.ConversationEvent {
	ev := publish.ConversationEvent{
		ConversationID: c.ID,
		Subject:        c.Subject,
		Status:         c.Status,
		MailboxID:      c.MailboxID,
		CreatedAt:      c.CreatedAt,
		Preview:        c.Preview,
	}
	if c.Assignee != nil {
		ev.AssigneeID = c.Assignee.ID
	}
	return ev
}
