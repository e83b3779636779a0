package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/geoforge/chunk-processing-service/common/config"
)

// NatsBroker publishes unit lifecycle events for external observers
// (dashboards, alerting). Publishing is best-effort: the coordinator's state
// machine never waits on it.
type NatsBroker struct {
	conn *nats.Conn
}

// SetupNatsBroker connects to the configured NATS server.
func SetupNatsBroker(cfg config.Config) (*NatsBroker, error) {
	opts := []nats.Option{
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("server", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.NatsUser() != "" && cfg.NatsPass() != "" {
		opts = append(opts, nats.UserInfo(cfg.NatsUser(), cfg.NatsPass()))
	}

	conn, err := nats.Connect(cfg.NatsURL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("server", conn.ConnectedUrl()).Msg("Connected to NATS")
	return &NatsBroker{conn: conn}, nil
}

// Close drains and closes the connection.
func (b *NatsBroker) Close() {
	if b.conn != nil && b.conn.IsConnected() {
		if err := b.conn.Drain(); err != nil {
			log.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}
}

// UnitEvent is the payload published on every unit state transition.
type UnitEvent struct {
	Event     string    `json:"event"`
	UnitID    string    `json:"unit_id"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishUnitEvent publishes a lifecycle event on units.<event>. Errors are
// logged, never propagated; observers are optional by design.
func (b *NatsBroker) PublishUnitEvent(ctx context.Context, event, unitID, workerID string) {
	payload, err := json.Marshal(UnitEvent{
		Event:     event,
		UnitID:    unitID,
		WorkerID:  workerID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode unit event")
		return
	}

	subject := fmt.Sprintf("units.%s", event)
	if err := b.conn.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Str("unitID", unitID).Msg("Failed to publish unit event")
	}
}
