package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	Enabled       bool          `envconfig:"NATS_ENABLED" default:"false"`
	URL           string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"giftbridge"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	StreamName    string        `envconfig:"NATS_STREAM_NAME" default:"NOTIFICATIONS"`
}

// NATSDispatcher publishes notification envelopes to JetStream. The
// notification worker that turns them into emails and in-app messages is a
// separate consumer.
type NATSDispatcher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNATSDispatcher connects to NATS and ensures the notification stream.
func NewNATSDispatcher(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATSDispatcher, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{"notify.>"},
		MaxAge:    7 * 24 * time.Hour,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", cfg.StreamName, err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &NATSDispatcher{conn: conn, js: js, logger: logger}, nil
}

// Close closes the NATS connection.
func (d *NATSDispatcher) Close() {
	d.conn.Close()
}

// Dispatch publishes one envelope on subject notify.<kind>.
func (d *NATSDispatcher) Dispatch(ctx context.Context, userID string, kind Kind, p Payload) error {
	env, err := NewEnvelope(kind, userID, p)
	if err != nil {
		return fmt.Errorf("building envelope: %w", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	subject := fmt.Sprintf("notify.%s", kind)
	if _, err := d.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}

	d.logger.Debug("notification published",
		"event_id", env.ID,
		"kind", kind,
		"subject", subject,
	)
	return nil
}
