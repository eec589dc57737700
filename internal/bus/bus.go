// Package bus carries room broadcasts between server instances so that every
// instance can fan a message out to the connections it holds.
package bus

import (
	"context"
)

// Handler receives frames for one room, in publish order.
type Handler func(data []byte)

// Subscription is an active room subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is a cross-instance pub/sub backbone keyed by room code.
type Bus interface {
	Publish(ctx context.Context, room string, data []byte) error
	// Subscribe returns once the subscription is active on the backbone.
	Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error)
	Close() error
}
