package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community), NATS (Pro) or Kafka.
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `json:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait"` // seconds

	// Kafka settings
	KafkaBrokers []string `json:"kafkaBrokers"`
	KafkaGroupID string   `json:"kafkaGroupId"`
}

// Topic names for case evaluation.
const (
	TopicCaseSubmitted     = "talon.case.submitted"
	TopicDecision          = "talon.decision"
	TopicDecisionConfirmed = "talon.decision.confirmed"
	TopicReviewRequired    = "talon.review.required"
)

// CaseRequest is the payload of TopicCaseSubmitted.
type CaseRequest struct {
	AccountID AccountID `json:"accountId"`
	CaseID    string    `json:"caseId,omitempty"`
}

// CaseOutcome is the payload of the decision topics and of case request replies.
type CaseOutcome struct {
	CaseID            string            `json:"caseId,omitempty"`
	AccountID         AccountID         `json:"accountId"`
	Decision          *DecisionResponse `json:"decision,omitempty"`
	NeedsManualReview bool              `json:"needsManualReview"`
	Error             string            `json:"error,omitempty"`
}
