// Package fatal centralizes the worker's fatal-error path. The teacher
// scatters log.Fatalf/os.Exit calls at call sites (cmd/demo/main.go,
// cmd/queue/main.go); this generalizes that into one reporter so tests can
// substitute a non-exiting exit function and every fatal condition logs
// the same way.
package fatal

import (
	"log/slog"
	"os"
)

// ExitFunc is called after a fatal condition is logged. Production code
// uses os.Exit; tests substitute a function that records the call instead.
type ExitFunc func(code int)

// Reporter reports fatal conditions: it logs at Error level and then calls
// its exit function. The zero value is not usable; use New.
type Reporter struct {
	log  *slog.Logger
	exit ExitFunc
}

// New creates a Reporter that logs through log and exits via exit. Passing
// a nil exit defaults to os.Exit.
func New(log *slog.Logger, exit ExitFunc) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if exit == nil {
		exit = os.Exit
	}
	return &Reporter{log: log, exit: exit}
}

// Fatal logs msg at Error level with args and then exits with status 1. It
// never returns in production; tests with a non-exiting ExitFunc will see
// it return, so callers should still treat the code path following Fatal
// as unreachable.
func (r *Reporter) Fatal(msg string, args ...any) {
	r.log.Error(msg, args...)
	r.exit(1)
}
