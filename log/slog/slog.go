//go:build go1.21

package slog

import (
	"context"
	stdslog "log/slog"

	"github.com/unkn0wn-root/leasecache"
)

var _ leasecache.Logger = Logger{}

// Logger forwards to a *slog.Logger. Fields are only converted when the level is
// enabled.
type Logger struct{ L *stdslog.Logger }

func (s Logger) Debug(msg string, f leasecache.Fields) { s.log(stdslog.LevelDebug, msg, f) }
func (s Logger) Info(msg string, f leasecache.Fields)  { s.log(stdslog.LevelInfo, msg, f) }
func (s Logger) Warn(msg string, f leasecache.Fields)  { s.log(stdslog.LevelWarn, msg, f) }
func (s Logger) Error(msg string, f leasecache.Fields) { s.log(stdslog.LevelError, msg, f) }

func (s Logger) log(lvl stdslog.Level, msg string, f leasecache.Fields) {
	ctx := context.Background()
	if !s.L.Enabled(ctx, lvl) {
		return
	}
	s.L.LogAttrs(ctx, lvl, msg, attrs(f)...)
}

func attrs(f leasecache.Fields) []stdslog.Attr {
	if len(f) == 0 {
		return nil
	}
	out := make([]stdslog.Attr, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, stdslog.String(k, err.Error()))
			continue
		}
		out = append(out, stdslog.Any(k, v))
	}
	return out
}
