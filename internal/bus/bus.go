// Package bus carries case submissions and decisions between the API and the workers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/talon/internal/domain"
)

// MetaReplyTo names the metadata key holding the reply destination of a request.
const MetaReplyTo = "reply_to"

// AllTenants subscribes to a topic across every tenant. Kafka does not support it.
const AllTenants = "*"

const subjectPrefix = "talon"

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrRequestUnsupported is returned by buses without request-reply.
	ErrRequestUnsupported = errors.New("request-reply not supported by this bus")

	errTenantRequired = errors.New("tenantID is required")
)

// New creates an event bus from configuration.
//   - "channel": in-process Go channels (Community tier)
//   - "nats": NATS (Pro tier)
//   - "kafka": Kafka consumer groups
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a request received through Subscribe.
// Messages that did not arrive through Request are ignored.
func Reply(ctx context.Context, b domain.EventBus, req *domain.Message, payload []byte) error {
	to := req.Metadata[MetaReplyTo]
	if to == "" {
		return nil
	}
	if r, ok := b.(replier); ok {
		return r.reply(ctx, req, payload)
	}
	return b.Publish(ctx, req.TenantID, to, payload)
}

// ContextFrom returns ctx carrying the trace context recorded on msg.
func ContextFrom(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
}

type replier interface {
	reply(ctx context.Context, req *domain.Message, payload []byte) error
}

func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg
}

// subject scopes a topic to a tenant: talon.<tenant>.<topic>.
func subject(tenantID, topic string) string {
	return subjectPrefix + "." + tenantID + "." + topic
}
