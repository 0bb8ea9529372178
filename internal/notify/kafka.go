// Package notify publishes connection and security events to Kafka for
// downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

const (
	// TopicAlerts carries high-risk security alerts.
	TopicAlerts = "security.alerts"
	// TopicRevocations carries connection revocation events.
	TopicRevocations = "connections.revoked"
)

// Producer writes JSON events to the configured topics. Publishing is
// best effort; callers treat failures as non-fatal.
type Producer struct {
	alerts      *kafka.Writer
	revocations *kafka.Writer
	logger      *zap.Logger
}

// NewProducer builds a producer against the given broker addresses.
func NewProducer(brokers []string, logger *zap.Logger) *Producer {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		}
	}
	return &Producer{
		alerts:      newWriter(TopicAlerts),
		revocations: newWriter(TopicRevocations),
		logger:      logger,
	}
}

// Close flushes and closes both writers.
func (p *Producer) Close() error {
	alertErr := p.alerts.Close()
	revErr := p.revocations.Close()
	if alertErr != nil {
		return alertErr
	}
	return revErr
}

type alertMessage struct {
	AlertID     string `json:"alert_id"`
	EventID     string `json:"event_id"`
	UserID      string `json:"user_id,omitempty"`
	EventType   string `json:"event_type"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
	Provider    string `json:"provider,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// PublishAlert delivers a security alert, keyed by user for ordering.
func (p *Producer) PublishAlert(ctx context.Context, alert audit.Alert, event audit.Event) error {
	payload, err := json.Marshal(alertMessage{
		AlertID:     alert.ID,
		EventID:     event.ID,
		UserID:      alert.UserID,
		EventType:   string(event.Type),
		Risk:        alert.Level.String(),
		Description: event.Description,
		Provider:    event.Metadata.Provider,
		CreatedAt:   alert.CreatedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	msg := kafka.Message{Key: []byte(alert.UserID), Value: payload}
	if err := p.alerts.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write alert to kafka: %w", err)
	}
	p.logger.Debug("alert published",
		zap.String("alert_id", alert.ID),
		zap.String("topic", TopicAlerts))
	return nil
}

type revocationMessage struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	ProviderID   string `json:"provider_id"`
	Reason       string `json:"reason"`
	RevokedAt    string `json:"revoked_at"`
}

// PublishRevocation delivers a connection revocation, keyed by user.
func (p *Producer) PublishRevocation(ctx context.Context, conn connect.Connection, reason string) error {
	payload, err := json.Marshal(revocationMessage{
		ConnectionID: conn.ID,
		UserID:       conn.UserID,
		ProviderID:   conn.ProviderID,
		Reason:       reason,
		RevokedAt:    conn.RevokedAt.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal revocation: %w", err)
	}

	msg := kafka.Message{Key: []byte(conn.UserID), Value: payload}
	if err := p.revocations.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write revocation to kafka: %w", err)
	}
	p.logger.Debug("revocation published",
		zap.String("connection_id", conn.ID),
		zap.String("topic", TopicRevocations))
	return nil
}
