package testlog

import (
	"sync"
	"testing"

	"github.com/danmuck/ccshim/internal/logging"
	"github.com/rs/zerolog"
)

// Start returns a debug logger bound to the test's output. Lines written
// after the test finishes are dropped so background goroutines stay quiet.
func Start(t testing.TB) zerolog.Logger {
	t.Helper()
	w := &testWriter{t: t}
	t.Cleanup(w.stop)

	cfg := logging.ConfigFor(logging.ProfileTest)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		Level(cfg.Level).
		With().
		Str("test", t.Name()).
		Logger()
	logger.Debug().Msg("testlog.Start")
	return logger
}

type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Logf("%s", p)
	}
	return len(p), nil
}

func (w *testWriter) stop() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
