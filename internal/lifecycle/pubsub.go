package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// Subscriber pulls lifecycle envelopes off a Cloud Pub/Sub subscription and
// feeds them through an Ingress, the consuming side of the fan-out
// internal/events/pubsub_bus.go builds for outbound CloudEvents.
type Subscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
	logger *log.Logger
	ingest *Ingress
}

// NewSubscriber dials projectID and attaches to an existing subscription
// subscriptionID.
func NewSubscriber(projectID, subscriptionID string, ingest *Ingress) (*Subscriber, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: pubsub.NewClient: %w", err)
	}

	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("lifecycle: subscription.Exists: %w", err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("lifecycle: subscription %s does not exist", subscriptionID)
	}

	return &Subscriber{
		client: client,
		sub:    sub,
		logger: log.New(log.Writer(), "[lifecycle.Subscriber] ", log.LstdFlags),
		ingest: ingest,
	}, nil
}

// Run blocks, pulling envelopes until ctx is canceled. A message that fails
// to ingest is nacked for redelivery; a message that ingests successfully
// (even if flagged with violations) is acked — a flagged event is still a
// processed event, not a failure.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			s.logger.Printf("discarding undecodable message %s: %v", msg.ID, err)
			msg.Ack() // a malformed message will never decode; redelivery can't help
			return
		}

		if _, err := s.ingest.Ingest(ctx, env); err != nil {
			s.logger.Printf("ingest failed for event %s: %v", env.EventID, err)
			msg.Nack()
			return
		}

		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("lifecycle: receive: %w", err)
	}
	return nil
}

// Close releases the underlying Pub/Sub client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
