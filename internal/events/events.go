// Package events publishes fire-and-forget notifications of run/stage/step
// terminal transitions to an AMQP exchange, mirroring the teacher's
// internal/queue.Publish(exchange, routingKey, message) shape. This is
// notification, not coordination: nothing in the scheduling critical path
// waits on it, consistent with spec §1's "no distributed coordination
// protocol" non-goal. Optional — Publisher no-ops when no URL is configured.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Event is the envelope published for every terminal transition.
type Event struct {
	Type      string          `json:"type"` // "run.completed" | "run.failed" | "stage.completed" | ...
	RunID     string          `json:"runId"`
	EntityID  string          `json:"entityId,omitempty"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// Publisher publishes events to the configured exchange. A nil URL at
// construction yields a no-op publisher so the rest of the engine never
// needs to branch on whether events are enabled.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// New dials url and declares exchange as a topic exchange. When url is
// empty, New returns a Publisher whose Publish calls are no-ops.
func New(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	logger = logger.With(zap.String("component", "events"))
	if url == "" {
		logger.Info("events disabled: no AMQP url configured")
		return &Publisher{logger: logger}, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Publish fires ev under routingKey. Failures are logged, never returned —
// a notification drop must never affect run state.
func (p *Publisher) Publish(routingKey string, ev Event) {
	if p.ch == nil {
		return
	}
	ev.EmittedAt = time.Now()
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	err = p.ch.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   ev.EmittedAt,
	})
	if err != nil {
		p.logger.Warn("publish event failed", zap.String("type", ev.Type), zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// Close releases the AMQP channel and connection, a no-op when events are
// disabled.
func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
