package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "reviewroom.room."

// NATSBus uses core NATS subjects, one per room. Room codes must be valid
// subject tokens (no dots, spaces or wildcards).
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS dials the server with reconnect handling and wraps the connection.
func ConnectNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "bus").Str("backend", "nats").Logger()

	conn, err := nats.Connect(url,
		nats.Name("reviewroom"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error().Err(err).Str("subject", subject).Msg("NATS error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &NATSBus{conn: conn, logger: logger}, nil
}

func natsSubject(room string) string {
	return natsSubjectPrefix + room
}

func (b *NATSBus) Publish(_ context.Context, room string, data []byte) error {
	if err := b.conn.Publish(natsSubject(room), data); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(natsSubject(room), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", room, err)
	}

	// Make sure the server has registered the interest before returning.
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription to %s: %w", room, err)
	}

	b.logger.Debug().Str("room", room).Msg("Subscribed")
	return sub, nil
}

func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
