package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/reviewroom/internal/bus"
	"github.com/manpreetbhatti/reviewroom/internal/logging"
	"github.com/manpreetbhatti/reviewroom/internal/metrics"
)

// ErrChannelOverflow marks a delivery that did not fit in a subscriber's buffer.
var ErrChannelOverflow = errors.New("subscriber buffer full")

// OverflowPolicy decides what happens when a subscriber's buffer is full.
type OverflowPolicy string

const (
	// DropNewest discards the envelope for that subscriber only.
	DropNewest OverflowPolicy = "drop"
	// DisconnectSlow closes the subscription so the connection tears down.
	DisconnectSlow OverflowPolicy = "disconnect"
)

const (
	DefaultSendBuffer = 256
	busSubscribeWait  = 5 * time.Second
)

// Delivery is an encoded envelope tagged with the connection that produced it.
type Delivery struct {
	Origin string
	Data   []byte
}

// busFrame is what travels on the backbone between instances.
type busFrame struct {
	Origin   string          `json:"origin"`
	Envelope json.RawMessage `json:"envelope"`
}

// Subscription is one connection's view of a room channel.
type Subscription struct {
	ConnID string
	Room   string
	C      <-chan Delivery

	c      chan Delivery
	ch     *channel
	closed bool
	err    error
}

// Err returns ErrChannelOverflow if the hub closed the subscription because
// the subscriber fell behind.
func (s *Subscription) Err() error {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.err
}

// channel fans envelopes for one room out to local subscribers. Holding mu
// while delivering keeps every subscriber's view in publish order. ready is
// closed once the bus attach has finished, successfully or not.
type channel struct {
	room     string
	mu       sync.Mutex
	subs     map[string]*Subscription
	busSub   bus.Subscription
	released bool
	ready    chan struct{}
}

type Hub struct {
	channels map[string]*channel
	mu       sync.RWMutex

	bus     bus.Bus
	buffer  int
	policy  OverflowPolicy
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type HubOption func(*Hub)

// WithBus routes publishes through a cross-instance backbone.
func WithBus(b bus.Bus) HubOption {
	return func(h *Hub) { h.bus = b }
}

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithOverflowPolicy(p OverflowPolicy) HubOption {
	return func(h *Hub) { h.policy = p }
}

func NewHub(logger zerolog.Logger, m *metrics.Metrics, opts ...HubOption) *Hub {
	h := &Hub{
		channels: make(map[string]*channel),
		buffer:   DefaultSendBuffer,
		policy:   DropNewest,
		logger:   logging.Component(logger, "hub"),
		metrics:  m,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches connID to room, creating the channel on first use. The
// bus attach for a new channel runs after the hub lock is dropped, so a slow
// backbone only holds up the room being opened.
func (h *Hub) Subscribe(ctx context.Context, room, connID string) *Subscription {
	h.mu.Lock()
	ch, ok := h.channels[room]
	if !ok {
		ch = &channel{room: room, subs: make(map[string]*Subscription), ready: make(chan struct{})}
		h.channels[room] = ch
	}

	c := make(chan Delivery, h.buffer)
	sub := &Subscription{ConnID: connID, Room: room, C: c, c: c, ch: ch}

	ch.mu.Lock()
	ch.subs[connID] = sub
	ch.mu.Unlock()
	h.mu.Unlock()

	if !ok {
		h.logger.Debug().Str("room", room).Msg("Channel opened")
		h.attachBus(ctx, ch)
	}
	return sub
}

// attachBus subscribes ch to the backbone. The handler is bound to this
// channel value, so frames from a subscription that outlives its channel
// reach nobody. On failure the channel stays local-only.
func (h *Hub) attachBus(ctx context.Context, ch *channel) {
	defer close(ch.ready)
	if h.bus == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, busSubscribeWait)
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, ch.room, func(data []byte) {
		var frame busFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn().Err(err).Str("room", ch.room).Msg("Dropping malformed bus frame")
			return
		}
		h.deliver(ch, Delivery{Origin: frame.Origin, Data: frame.Envelope})
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("room", ch.room).Msg("Bus subscribe failed, room is local-only on this instance")
		return
	}

	ch.mu.Lock()
	released := ch.released
	if !released {
		ch.busSub = sub
	}
	ch.mu.Unlock()

	// Everyone left while the attach was in flight.
	if released {
		h.releaseBus(ch.room, sub)
	}
}

func (h *Hub) releaseBus(room string, sub bus.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		h.logger.Warn().Err(err).Str("room", room).Msg("Bus unsubscribe failed")
	}
}

// Unsubscribe detaches the subscription and releases the channel when it was
// the last one. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	var release bus.Subscription

	h.mu.Lock()
	ch := sub.ch
	ch.mu.Lock()
	if current, ok := ch.subs[sub.ConnID]; ok && current == sub {
		delete(ch.subs, sub.ConnID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.c)
	}
	if len(ch.subs) == 0 && h.channels[ch.room] == ch {
		delete(h.channels, ch.room)
		ch.released = true
		release = ch.busSub
		h.logger.Debug().Str("room", ch.room).Msg("Channel released")
	}
	ch.mu.Unlock()
	h.mu.Unlock()

	if release != nil {
		h.releaseBus(ch.room, release)
	}
}

// Publish sends d to every subscriber of room. With a backbone the envelope
// goes out through the bus and comes back to local subscribers from there; if
// the bus publish fails it is fanned out locally instead. Publishing to a room
// with no subscribers is a no-op. A publish to a room whose bus attach is still
// in flight waits for it.
func (h *Hub) Publish(ctx context.Context, room string, d Delivery) error {
	h.mu.RLock()
	ch := h.channels[room]
	h.mu.RUnlock()

	attached := false
	if ch != nil {
		select {
		case <-ch.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		ch.mu.Lock()
		attached = ch.busSub != nil
		ch.mu.Unlock()
	}

	if h.bus != nil && (ch == nil || attached) {
		frame, err := json.Marshal(busFrame{Origin: d.Origin, Envelope: d.Data})
		if err != nil {
			return fmt.Errorf("encode bus frame: %w", err)
		}
		err = h.bus.Publish(ctx, room, frame)
		if err == nil {
			return nil
		}
		h.metrics.BusPublishFailures.Inc()
		h.logger.Warn().Err(err).Str("room", room).Msg("Bus publish failed, delivering locally")
	}

	if ch == nil {
		return nil
	}
	h.deliver(ch, d)
	return nil
}

func (h *Hub) deliver(ch *channel, d Delivery) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	for connID, sub := range ch.subs {
		select {
		case sub.c <- d:
			continue
		default:
		}

		switch h.policy {
		case DisconnectSlow:
			delete(ch.subs, connID)
			sub.closed = true
			sub.err = ErrChannelOverflow
			close(sub.c)
			h.metrics.SlowDisconnects.Inc()
			h.logger.Warn().Err(ErrChannelOverflow).
				Str("room", ch.room).
				Str("conn_id", connID).
				Msg("Disconnecting slow subscriber")
		default:
			h.metrics.DeliveriesDropped.Inc()
			h.logger.Warn().Err(ErrChannelOverflow).
				Str("room", ch.room).
				Str("conn_id", connID).
				Str("origin", d.Origin).
				Msg("Dropping delivery for slow subscriber")
		}
	}
}

// ChannelCount is the number of rooms with an open channel on this instance.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// SubscriberCount is the number of local subscribers in room.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	ch, ok := h.channels[room]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}
