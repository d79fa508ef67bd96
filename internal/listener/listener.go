package listener

import (
	"context"
	"log/slog"

	"github.com/tripguard/oracle/internal/platform/chain"
)

// watcher streams decoded contract events into a channel until the context
// is cancelled.
type watcher interface {
	WatchEvents(ctx context.Context, sink chan<- chain.Event) error
}

// Listener consumes contract events and feeds them to the projector.
type Listener struct {
	watcher   watcher
	projector *Projector
	logger    *slog.Logger

	bufferSize int
}

// New creates a listener over the given event watcher.
func New(w watcher, projector *Projector, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		watcher:    w,
		projector:  projector,
		logger:     logger.With("component", "listener"),
		bufferSize: 64,
	}
}

// Run consumes events until the context is cancelled or the watcher fails.
func (l *Listener) Run(ctx context.Context) error {
	sink := make(chan chain.Event, l.bufferSize)
	watchErr := make(chan error, 1)

	go func() {
		watchErr <- l.watcher.WatchEvents(ctx, sink)
	}()

	l.logger.Info("listener started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("listener stopped")
			return ctx.Err()
		case err := <-watchErr:
			if err != nil && ctx.Err() == nil {
				l.logger.Error("event watcher failed", "error", err)
			}
			return err
		case ev := <-sink:
			l.projector.Apply(ctx, ev)
		}
	}
}
