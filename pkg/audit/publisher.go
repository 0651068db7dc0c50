package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PublisherConfig struct {
	ProjectID string
	TopicName string
	// PubID prefixes message attribute names to align with subscription
	// filters (e.g. "", "beta", "stage").
	PubID string
}

// Call lifecycle event types published for downstream analytics.
const (
	EventCallAccepted     = "call.accepted"
	EventCallAcceptFailed = "call.accept_failed"
	EventCallEnded        = "call.ended"
)

// CallEvent models a call lifecycle audit record.
type CallEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CallID     string    `json:"call_id"`
	StreamURL  string    `json:"stream_url,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	config *PublisherConfig
}

func NewPublisher(ctx context.Context, cfg *PublisherConfig) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PubSub project ID is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PubSub client: %w", err)
	}

	topic := client.Topic(cfg.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check if topic exists: %w", err)
	}

	if !exists {
		logger.Base().Info("Audit topic does not exist, creating", zap.String("topic", cfg.TopicName))
		topic, err = client.CreateTopic(ctx, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic %s: %w", cfg.TopicName, err)
		}
	}

	return &Publisher{
		client: client,
		topic:  topic,
		config: cfg,
	}, nil
}

// PublishCallEvent publishes a call lifecycle event. The event ID and
// timestamp are filled in when absent.
func (p *Publisher) PublishCallEvent(ctx context.Context, evt CallEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	namePrefix := strings.TrimSuffix(p.config.PubID, ":")
	if namePrefix != "" {
		namePrefix += ":"
	}

	message := &pubsub.Message{
		Attributes: map[string]string{
			"name": fmt.Sprintf("%s%s", namePrefix, evt.ID),
			"type": evt.Type,
		},
		Data: data,
	}

	result := p.topic.Publish(ctx, message)
	if _, err := result.Get(ctx); err != nil {
		logger.Base().Error("Failed to publish call event",
			zap.String("type", evt.Type),
			zap.String("call_id", evt.CallID),
			zap.Error(err))
		return fmt.Errorf("failed to publish call event: %w", err)
	}

	logger.Base().Info("Published call event",
		zap.String("type", evt.Type),
		zap.String("call_id", evt.CallID),
		zap.String("event_id", evt.ID))

	return nil
}

func (p *Publisher) Close() error {
	if p.topic != nil {
		p.topic.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
