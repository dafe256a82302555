// Package ratelog wraps a logrus logger so that a message class is logged
// at most once per interval. It is meant for conditions that can repeat on
// every received frame.
package ratelog

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Logger struct {
	log   logrus.FieldLogger
	limit *rate.Limiter
}

// New returns a Logger that logs to log no more than once per every.
// A nil log means logrus.StandardLogger().
func New(log logrus.FieldLogger, every time.Duration) *Logger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Logger{
		log:   log,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (l *Logger) Warn(fields logrus.Fields, msg string) {
	if l.limit.Allow() {
		l.log.WithFields(fields).Warn(msg)
	}
}

func (l *Logger) Error(fields logrus.Fields, msg string) {
	if l.limit.Allow() {
		l.log.WithFields(fields).Error(msg)
	}
}

func (l *Logger) Debug(fields logrus.Fields, msg string) {
	if l.limit.Allow() {
		l.log.WithFields(fields).Debug(msg)
	}
}
