// Package definition holds the default, swappable collaborators GridVM
// components depend on: the logger and the runtime configuration. The
// on-disk bytecode cache lookup lives in the bytecode package's loader.
package definition

import (
	"github.com/sirupsen/logrus"

	"github.com/jabolina/gridvm/pkg/gridvm/types"
)

// DefaultLogger implements types.Logger on top of logrus, the structured
// logging library behind the teacher's own prometheus/common/log wrapper.
// Unlike a bare stdlib *log.Logger (what the teacher falls back to in
// pkg/mcast/definition/default_logger.go) this gives every component
// leveled, field-tagged output for free.
type DefaultLogger struct {
	entry *logrus.Entry
}

// NewDefaultLogger builds a DefaultLogger tagged with static fields (e.g.
// runtime_id) that every log line from this component should carry.
func NewDefaultLogger(component string, fields logrus.Fields) *DefaultLogger {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	withFields := logrus.Fields{"component": component}
	for k, v := range fields {
		withFields[k] = v
	}
	return &DefaultLogger{entry: base.WithFields(withFields)}
}

func (l *DefaultLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                 { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	l.entry.Debug(v...)
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// ToggleDebug flips the logger's level between Info and Debug, returning the
// new debug state.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	logger := l.entry.Logger
	if value {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return value
}

var _ types.Logger = (*DefaultLogger)(nil)
