package bus

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Publisher connects to NATS and publishes SessionLifecycleEvents to
// SubjectSessionLifecycle. Events go to NATS only; the broker does not
// broadcast them to its own websocket clients.
type Publisher struct {
	nc  *nats.Conn
	ec  *nats.EncodedConn
	log *slog.Logger
}

// Connect dials natsURL and returns a ready Publisher. The connection
// lifecycle (close/reconnect/disconnect logging) mirrors the teacher's
// sshportalapi.ServeNATS wiring.
func Connect(log *slog.Logger, natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("st-orchestrator-gateway"),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Error("nats connection closed")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}))
	if err != nil {
		return nil, fmt.Errorf("couldn't connect to NATS server: %w", err)
	}
	ec, err := nats.NewEncodedConn(nc, nats.JSON_ENCODER)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("couldn't create encoded connection: %w", err)
	}
	return &Publisher{nc: nc, ec: ec, log: log}, nil
}

// Publish sends a SessionLifecycleEvent as JSON to SubjectSessionLifecycle.
func (p *Publisher) Publish(event SessionLifecycleEvent) error {
	if err := p.ec.Publish(SubjectSessionLifecycle, event); err != nil {
		p.log.Warn("couldn't publish lifecycle event", slog.Any("event", event), slog.Any("error", err))
		return err
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.log.Warn("couldn't drain nats connection", slog.Any("error", err))
	}
}
