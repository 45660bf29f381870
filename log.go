package relaycache

import (
	"github.com/sirupsen/logrus"
)

// ServiceLog is a logger scoped to one component of the engine.
//
// Components get one from Log("store"), Log("loader"), etc. A nil
// *ServiceLog is valid and logs nothing.
type ServiceLog struct {
	name  string
	entry *logrus.Entry
}

// Log returns a logger scoped to component.
func Log(component string) *ServiceLog {
	return &ServiceLog{
		name:  component,
		entry: logrus.WithField("component", component),
	}
}

// With returns a copy carrying an extra field.
func (l *ServiceLog) With(key string, value any) *ServiceLog {
	if l == nil {
		return nil
	}
	return &ServiceLog{name: l.name, entry: l.entry.WithField(key, value)}
}

func (l *ServiceLog) Debug(format string, args ...any) {
	if l != nil {
		l.entry.Debugf("[%s] "+format, append([]any{l.name}, args...)...)
	}
}

func (l *ServiceLog) Info(format string, args ...any) {
	if l != nil {
		l.entry.Infof("[%s] "+format, append([]any{l.name}, args...)...)
	}
}

func (l *ServiceLog) Warn(format string, args ...any) {
	if l != nil {
		l.entry.Warnf("[%s] "+format, append([]any{l.name}, args...)...)
	}
}

func (l *ServiceLog) Error(format string, args ...any) {
	if l != nil {
		l.entry.Errorf("[%s] "+format, append([]any{l.name}, args...)...)
	}
}
