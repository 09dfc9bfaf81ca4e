// Package publish decouples the poll cycle from any specific consumer of
// sensor values. Anything that can accept (name, value, available) updates
// and new-conversation events is a sink; the poller only ever talks to the
// fanout.
package publish

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ConversationEvent describes a conversation that arrived since the
// previous poll.
type ConversationEvent struct {
	ConversationID int       `json:"conversation_id"`
	Subject        string    `json:"subject"`
	Status         string    `json:"status"`
	MailboxID      int       `json:"mailbox_id"`
	AssigneeID     int       `json:"assignee_id"` // 0 when unassigned
	CreatedAt      time.Time `json:"created_at"`
	Preview        string    `json:"preview"`
}

// Publisher receives sensor updates from the poll cycle.
//
// Publish is called once per sensor per cycle: with fresh values after a
// successful poll, or with the prior values and available=false after a
// failed one. Implementations must not block the poll path.
type Publisher interface {
	Publish(name string, value float64, available bool)
	PublishEvent(ev ConversationEvent)
}

// Fanout forwards every update to a set of sinks. A panicking sink is
// logged and isolated; it cannot take down the poll cycle or the other
// sinks.
type Fanout struct {
	sinks  []Publisher
	logger *logrus.Logger
}

// NewFanout creates a Fanout over the given sinks.
func NewFanout(logger *logrus.Logger, sinks ...Publisher) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Publish forwards a sensor update to every sink.
func (f *Fanout) Publish(name string, value float64, available bool) {
	for _, sink := range f.sinks {
		f.safely(func() { sink.Publish(name, value, available) })
	}
}

// PublishEvent forwards a conversation event to every sink.
func (f *Fanout) PublishEvent(ev ConversationEvent) {
	for _, sink := range f.sinks {
		f.safely(func() { sink.PublishEvent(ev) })
	}
}

func (f *Fanout) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.WithField("panic", r).Error("publish sink panicked")
		}
	}()
	fn()
}

var _ Publisher = (*Fanout)(nil)
