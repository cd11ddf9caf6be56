// Package kafka mirrors job status events onto a Kafka topic so external
// transports and audit consumers can follow job lifecycles without holding
// an in-process subscription. Delivery is best-effort: the in-process bus
// and the job store stay authoritative.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/cloudsketch/diagen/internal/domain"
)

// Publisher implements eventbus.Mirror on top of a Kafka producer.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// NewPublisher constructs a Publisher and ensures the topic exists.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewPublisher: no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=kafka.NewPublisher: topic name cannot be empty")
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewPublisher: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create event topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	return &Publisher{client: client, topic: topic}, nil
}

// MirrorEvent produces one event record keyed by job id. Errors are logged,
// never propagated: the mirror must not delay publishers.
func (p *Publisher) MirrorEvent(ctx context.Context, ev domain.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
		return
	}
	rec := &kgo.Record{Topic: p.topic, Key: []byte(ev.JobID), Value: b}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("event mirror produce failed",
				slog.String("job_id", ev.JobID),
				slog.String("kind", string(ev.Kind)),
				slog.Any("error", err))
		}
	})
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	if err := p.client.Flush(context.Background()); err != nil {
		return fmt.Errorf("op=kafka.Close: %w", err)
	}
	p.client.Close()
	return nil
}

// createTopicIfNotExists creates a topic via the Kafka admin API, treating
// "already exists" as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS.
			if topicResp.ErrorCode == 36 {
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
	}
	return nil
}
