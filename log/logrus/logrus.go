package logrus

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/leasecache"
)

var _ leasecache.Logger = LogrusLogger{}

// LogrusLogger forwards to a logrus entry. An error value under any field is
// also attached as logrus.ErrorKey so error hooks see it.
type LogrusLogger struct{ E *logrus.Entry }

// New builds a logger writing to w at level, as JSON or text.
func New(w io.Writer, level, format string) (LogrusLogger, error) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return LogrusLogger{}, err
	}
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "console":
		l.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	default:
		return LogrusLogger{}, fmt.Errorf("log format %q: want json or text", format)
	}
	return LogrusLogger{E: logrus.NewEntry(l)}, nil
}

func (l LogrusLogger) Debug(msg string, f leasecache.Fields) { l.at(logrus.DebugLevel, msg, f) }
func (l LogrusLogger) Info(msg string, f leasecache.Fields)  { l.at(logrus.InfoLevel, msg, f) }
func (l LogrusLogger) Warn(msg string, f leasecache.Fields)  { l.at(logrus.WarnLevel, msg, f) }
func (l LogrusLogger) Error(msg string, f leasecache.Fields) { l.at(logrus.ErrorLevel, msg, f) }

func (l LogrusLogger) at(lvl logrus.Level, msg string, f leasecache.Fields) {
	if !l.E.Logger.IsLevelEnabled(lvl) {
		return
	}
	e := l.E
	if len(f) > 0 {
		e = e.WithFields(logrus.Fields(f))
		for _, v := range f {
			if err, ok := v.(error); ok {
				e = e.WithError(err)
				break
			}
		}
	}
	e.Log(lvl, msg)
}
