package publish

import (
	"github.com/sirupsen/logrus"
)

// LogSink writes sensor updates and conversation events to the structured
// log. Value updates go out at debug level to keep steady-state logs
// quiet; new conversations are info.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(name string, value float64, available bool) {
	s.logger.WithFields(logrus.Fields{
		"sensor":    name,
		"value":     value,
		"available": available,
	}).Debug("sensor updated")
}

func (s *LogSink) PublishEvent(ev ConversationEvent) {
	s.logger.WithFields(logrus.Fields{
		"conversation_id": ev.ConversationID,
		"subject":         ev.Subject,
		"status":          ev.Status,
		"mailbox_id":      ev.MailboxID,
	}).Info("new conversation detected")
}

var _ Publisher = (*LogSink)(nil)
