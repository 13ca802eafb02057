package txbus_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBus returns a bus without housekeeping, destroyed at test end.
func newTestBus(t *testing.T, opts ...txbus.Option) *txbus.Bus {
	t.Helper()
	base := []txbus.Option{
		txbus.WithLogger(quietLogger()),
		txbus.WithSweepInterval(0),
	}
	bus := txbus.New(append(base, opts...)...)
	t.Cleanup(func() {
		_, _ = bus.Destroy(context.Background())
	})
	return bus
}

// callLog is a goroutine-safe ordered log shared by listeners.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.entries = append(l.entries, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// record returns a listener that appends name to the log.
func (l *callLog) record(name string) event.Listener {
	return func(_ context.Context, _ *event.Event) (any, error) {
		l.add(name)
		return name, nil
	}
}

// compensation returns a compensation that appends name to the log.
func (l *callLog) compensation(name string) txbus.Compensation {
	return func(_ context.Context) error {
		l.add(name)
		return nil
	}
}
