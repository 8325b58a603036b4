package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/buildcache"
)

var _ buildcache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

func (l LogrusLogger) Debug(msg string, f buildcache.Fields) { l.with(f).Debug(msg) }
func (l LogrusLogger) Info(msg string, f buildcache.Fields)  { l.with(f).Info(msg) }
func (l LogrusLogger) Warn(msg string, f buildcache.Fields)  { l.with(f).Warn(msg) }
func (l LogrusLogger) Error(msg string, f buildcache.Fields) { l.with(f).Error(msg) }

// with moves an "err" field to logrus' error key.
func (l LogrusLogger) with(f buildcache.Fields) *logrus.Entry {
	e := l.E
	fs := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok && k == "err" {
			e = e.WithError(err)
			continue
		}
		fs[k] = v
	}
	return e.WithFields(fs)
}
