package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPAudit publishes audit entries as persistent messages on a topic exchange.
type AMQPAudit struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func DialAudit(url, exchange string) (*AMQPAudit, error) {
	if exchange == "" {
		exchange = "audit_topic"
	}
	conn, err := amqp.Dial(url)
	if err != nil { return nil, err }
	ch, err := conn.Channel()
	if err != nil { conn.Close(); return nil, err }
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close(); conn.Close()
		return nil, fmt.Errorf("declare %s: %w", exchange, err)
	}
	return &AMQPAudit{conn: conn, ch: ch, exchange: exchange}, nil
}

func (a *AMQPAudit) Close() {
	if a == nil { return }
	if a.ch != nil { _ = a.ch.Close() }
	if a.conn != nil { _ = a.conn.Close() }
}

func (a *AMQPAudit) RecordAudit(ctx context.Context, tenantID string, e AuditEntry) error {
	e.TenantID = tenantID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil { return err }
	a.mu.Lock(); defer a.mu.Unlock()
	return a.ch.PublishWithContext(ctx, a.exchange, RoutingKey(e), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		ContentType:  "application/json",
		Headers:      amqp.Table{"tenant_id": tenantID},
		Body:         body,
	})
}

// RoutingKey is audit.<entity>.<action>, lower-cased with dots stripped from parts.
func RoutingKey(e AuditEntry) string {
	part := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		s = strings.ReplaceAll(s, ".", "_")
		if s == "" {
			return "unknown"
		}
		return s
	}
	return "audit." + part(e.EntityType) + "." + part(e.Action)
}
