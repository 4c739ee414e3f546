package eventlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/event"
	"github.com/MLidstrom/castellan/internal/health"
)

// RawQueue is the watcher's view of the ingest queue. Enqueue must never
// block; it reports whether the event was admitted.
type RawQueue interface {
	Enqueue(raw *event.RawEvent) bool
}

// Watcher tails a single event log channel, feeding the ingest queue and
// maintaining a durable bookmark so the subscription can resume after
// restart. One watcher runs per configured channel; a watcher that fails to
// subscribe stays down without affecting the others.
type Watcher struct {
	channel       string
	query         string
	sub           Subscription
	bookmarks     BookmarkStore
	queue         RawQueue
	logger        *zap.Logger
	health        *health.Registry
	flushInterval time.Duration

	mu       sync.Mutex
	position string
	dirty    bool
}

// NewWatcher wires a watcher for one channel. flushInterval bounds how often
// the in-memory bookmark is persisted; zero means the 30 s default.
func NewWatcher(channel, query string, sub Subscription, bookmarks BookmarkStore, queue RawQueue, healthReg *health.Registry, logger *zap.Logger, flushInterval time.Duration) *Watcher {
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &Watcher{
		channel:       channel,
		query:         query,
		sub:           sub,
		bookmarks:     bookmarks,
		queue:         queue,
		logger:        logger.With(zap.String("channel", channel)),
		health:        healthReg,
		flushInterval: flushInterval,
	}
}

// Run subscribes and consumes deliveries until ctx is cancelled. The bookmark
// is flushed on the timer and once more on clean shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	from := ""
	if bm, err := w.bookmarks.Load(w.channel); err == nil && bm != nil {
		from = bm.Position
		w.logger.Info("resuming from bookmark", zap.String("position", from))
	}

	deliveries, err := w.sub.Subscribe(ctx, w.channel, w.query, from)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypePermission) {
			w.logger.Error("insufficient privileges for channel, watcher staying down", zap.Error(err))
			w.reportHealth(health.StatusDown, err)
			return err
		}
		w.logger.Error("channel subscription failed", zap.Error(err))
		w.reportHealth(health.StatusDown, err)
		return err
	}
	w.reportHealth(health.StatusUp, nil)

	// Bookmark I/O happens off the delivery path.
	flushStop := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-flushStop:
				return
			case <-ticker.C:
				w.flushBookmark()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-flushDone
			w.flushBookmark()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				// Subscription ended on its own; stop the flusher and
				// persist the final position.
				close(flushStop)
				<-flushDone
				w.flushBookmark()
				return nil
			}
			w.handle(d)
		}
	}
}

func (w *Watcher) handle(d Delivery) {
	if d.Event == nil {
		// Malformed record: drop it but keep the channel moving.
		w.logger.Warn("dropping malformed event", zap.String("position", d.Position))
		w.advance(d.Position)
		return
	}
	if !w.queue.Enqueue(d.Event) {
		// Not admitted: the bookmark stays put so the subscription
		// redelivers on next start.
		w.logger.Warn("ingest queue refused event, backpressure",
			zap.String("event_id", d.Event.UniqueID))
		return
	}
	w.advance(d.Position)
}

func (w *Watcher) advance(position string) {
	if position == "" {
		return
	}
	w.mu.Lock()
	w.position = position
	w.dirty = true
	w.mu.Unlock()
}

func (w *Watcher) flushBookmark() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	position := w.position
	w.dirty = false
	w.mu.Unlock()

	if err := w.bookmarks.Save(w.channel, &Bookmark{Position: position}); err != nil {
		w.logger.Error("bookmark flush failed", zap.Error(err))
		w.mu.Lock()
		w.dirty = true
		w.mu.Unlock()
	}
}

func (w *Watcher) reportHealth(status health.Status, err error) {
	if w.health == nil {
		return
	}
	w.health.Report("watcher:"+w.channel, status, err)
}
