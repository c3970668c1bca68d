package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// Sink is anything the accounting subsystem can hand a completed Record
// to for delivery. PubSubSink implements it directly; Bus (in-memory) has a
// Publish method instead and is adapted by BusSink. Sink is what cmd/proxy
// wires in.
type Sink interface {
	Record(rec *Record)
}

// BusSink adapts Bus to Sink.
type BusSink struct{ Bus *Bus }

func (s *BusSink) Record(rec *Record) { s.Bus.Publish(rec) }

// PubSubSink durably mirrors every Record to a Cloud Pub/Sub topic,
// grounded on events.PubSubEventBus's publish-then-fan-out shape, adapted
// so the in-memory fan-out (Bus) and the durable mirror (Pub/Sub) are
// separate Sinks composed by MultiSink rather than one embedding type.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink dials projectID/topicID, creating the topic if absent.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("accounting: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("accounting: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("accounting: CreateTopic: %w", err)
		}
		slog.Info("accounting: created pub/sub topic", "topic", topicID)
	}

	return &PubSubSink{client: client, topic: topic}, nil
}

func (s *PubSubSink) Record(rec *Record) {
	payload, err := rec.JSON()
	if err != nil {
		slog.Error("accounting: marshal record", "error", err, "request_id", rec.RequestID)
		return
	}
	result := s.topic.Publish(context.Background(), &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"kind": rec.Kind, "request_id": rec.RequestID},
	})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Warn("accounting: pub/sub publish failed", "error", err, "request_id", rec.RequestID)
		}
	}()
}

func (s *PubSubSink) Close() error { return s.client.Close() }

// MultiSink fans a Record out to every configured Sink, so a deployment
// can run the in-memory trace feed and the durable mirror side by side.
type MultiSink struct {
	Sinks []Sink
}

func (m *MultiSink) Record(rec *Record) {
	for _, s := range m.Sinks {
		s.Record(rec)
	}
}
