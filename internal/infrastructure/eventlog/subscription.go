package eventlog

import (
	"context"

	"github.com/MLidstrom/castellan/internal/domain/event"
)

// Delivery is one event handed to the watcher by the platform subscription,
// together with the position token that identifies it in the channel.
type Delivery struct {
	Event    *event.RawEvent
	Position string
}

// Subscription abstracts the host event log API for a single channel. The
// production implementation subscribes through the OS; tests use a fake.
type Subscription interface {
	// Subscribe opens the channel filtered by the query, starting after
	// fromPosition (empty means tail) and delivering events on the returned
	// channel until ctx is cancelled. Insufficient privileges surface as a
	// permission error from Subscribe itself, not on the channel.
	Subscribe(ctx context.Context, channel, query, fromPosition string) (<-chan Delivery, error)
}
