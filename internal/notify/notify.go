// Package notify publishes a fire-and-forget Pub/Sub message after a post
// has been delivered, so downstream consumers can react without polling
// the store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Notifier announces completed uploads.
type Notifier interface {
	UploadComplete(ctx context.Context, postID, messageID string) error
	Close() error
}

// uploadEvent is the message payload published per completed upload.
type uploadEvent struct {
	PostID    string `json:"post_id"`
	MessageID string `json:"message_id"`
}

// PubSub publishes upload events to a Google Cloud Pub/Sub topic using
// Application Default Credentials.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSub connects to Pub/Sub and verifies the topic exists, failing
// fast on misconfiguration.
func NewPubSub(ctx context.Context, projectID, topicName string, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("notify: create pubsub client: %w", err)
	}

	topic := client.Topic(topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("notify: check topic %q: %w", topicName, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed after topic check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("notify: topic %q does not exist in project %q", topicName, projectID)
	}

	return &PubSub{client: client, topic: topic, logger: logger}, nil
}

// UploadComplete publishes the event without waiting for server
// acknowledgement. The Pub/Sub client batches and retries in the
// background.
func (p *PubSub) UploadComplete(ctx context.Context, postID, messageID string) error {
	data, err := EncodeUploadEvent(postID, messageID)
	if err != nil {
		return err
	}
	p.topic.Publish(ctx, &pubsub.Message{Data: data})
	return nil
}

// EncodeUploadEvent renders the JSON payload for a completed upload.
func EncodeUploadEvent(postID, messageID string) ([]byte, error) {
	data, err := json.Marshal(uploadEvent{PostID: postID, MessageID: messageID})
	if err != nil {
		return nil, fmt.Errorf("notify: encode event: %w", err)
	}
	return data, nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("notify: close pubsub client: %w", err)
	}
	return nil
}

// NoOp is the notifier used when no topic is configured.
type NoOp struct{}

// UploadComplete discards the event.
func (NoOp) UploadComplete(context.Context, string, string) error { return nil }

// Close is a no-op.
func (NoOp) Close() error { return nil }
