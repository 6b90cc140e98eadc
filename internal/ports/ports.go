package ports

import (
	"context"

	"github.com/mikey-austin/mucp/pkg/cp"
)

// Broker publishes commands and reads retained presence and events.
type Broker interface {
	ReplyTopic() string
	PublishCommand(ctx context.Context, nodeID string, cmd cp.CommandEnvelope) (cp.ReplyEnvelope, error)
	ListPresence(ctx context.Context) ([]cp.Presence, error)
	WatchEvents(ctx context.Context, nodeID string) (<-chan cp.Event, <-chan error)
}

// Clock returns the current unix time in seconds.
type Clock interface {
	NowUnix() int64
}

// IDGen returns unique correlation IDs.
type IDGen interface {
	NewID() string
}
