// Package bus is the durable queue fabric between pipeline stages. It is
// backed by NATS JetStream: one work stream carrying the four stage
// subjects and one dead-letter stream. Delivery is at-least-once and FIFO
// per routing key; downstream stages are idempotent.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tributary-io/tributary/faults"
)

// Stream and subject layout.
const (
	StreamName    = "TRIBUTARY_PIPELINE"
	DLQStreamName = "TRIBUTARY_DLQ"

	subjectPrefix = "pipeline"
	dlqPrefix     = "dlq"
)

// Header names carried on every published message.
const (
	HeaderTenantID      = "Tributary-Tenant-Id"
	HeaderJobName       = "Tributary-Job-Name"
	HeaderIntegrationID = "Tributary-Integration-Id"
	HeaderBatchID       = "Tributary-Batch-Id"
	HeaderDLQReason     = "Tributary-Dlq-Reason"
	HeaderDLQStage      = "Tributary-Dlq-Stage"
)

// StageSubject returns the publish subject for one message:
// pipeline.<stage>.<routing-key>.
func StageSubject(stage Stage, routingKey string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, stage, routingKey)
}

// StageFilter returns the consumer filter subject for a whole stage.
func StageFilter(stage Stage) string {
	return fmt.Sprintf("%s.%s.>", subjectPrefix, stage)
}

// DLQSubject returns the dead-letter subject for a stage.
func DLQSubject(stage Stage) string {
	return fmt.Sprintf("%s.%s", dlqPrefix, stage)
}

// Bus provisions the pipeline streams and publishes stage messages.
type Bus struct {
	js     jetstream.JetStream
	logger *slog.Logger

	publishTimeout time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithPublishTimeout bounds how long a publish may block on the broker.
// The scheduler relies on this to skip a tick instead of hanging when the
// bus is unavailable.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) { b.publishTimeout = d }
}

// New creates the Bus and ensures both streams exist.
func New(ctx context.Context, js jetstream.JetStream, logger *slog.Logger, opts ...Option) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		js:             js,
		logger:         logger,
		publishTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline stream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     DLQStreamName,
		Subjects: []string{dlqPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("create dead-letter stream: %w", err)
	}

	return b, nil
}

// Publish validates and publishes one stage message. Validation failures
// are protocol errors and nothing is published.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Stage(), err)
	}

	m := &nats.Msg{
		Subject: StageSubject(msg.Stage(), msg.RoutingKey()),
		Header:  messageHeader(msg),
		Data:    data,
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	if _, err := b.js.PublishMsg(pubCtx, m); err != nil {
		return fmt.Errorf("publish %s message: %w", msg.Stage(), err)
	}
	return nil
}

// DeadLetter moves a raw payload to the stage's dead-letter subject.
func (b *Bus) DeadLetter(ctx context.Context, stage Stage, data []byte, reason string) error {
	m := &nats.Msg{
		Subject: DLQSubject(stage),
		Header:  nats.Header{},
		Data:    data,
	}
	m.Header.Set(HeaderDLQStage, string(stage))
	m.Header.Set(HeaderDLQReason, reason)

	pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	if _, err := b.js.PublishMsg(pubCtx, m); err != nil {
		return fmt.Errorf("publish to dead-letter: %w", err)
	}
	b.logger.Warn("Message dead-lettered", "stage", stage, "reason", reason)
	return nil
}

// Consumer creates or looks up the durable consumer for a stage. AckWait
// must cover the slowest expected handler; redelivery after MaxDeliver
// attempts stops and the message ages out in the stream.
func (b *Bus) Consumer(ctx context.Context, stage Stage, durable string, ackWait time.Duration) (jetstream.Consumer, error) {
	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: StageFilter(stage),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", durable, err)
	}
	return consumer, nil
}

// Decode unmarshals a stage payload into msg and validates the contract.
// Both failure modes are protocol errors.
func Decode[M Message](data []byte, msg M) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return faults.Newf(faults.ClassProtocol, "unmarshal %s message: %v", msg.Stage(), err)
	}
	return msg.Validate()
}

// ConsumeLoop fetches messages in small windows and hands each to handle
// until the context is cancelled. The prefetch window bounds in-flight
// memory per consumer.
func ConsumeLoop(ctx context.Context, consumer jetstream.Consumer, prefetch int, logger *slog.Logger, handle func(context.Context, jetstream.Msg)) {
	if prefetch <= 0 {
		prefetch = 1
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(prefetch, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			handle(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

func messageHeader(msg Message) nats.Header {
	h := nats.Header{}
	h.Set(HeaderTenantID, fmt.Sprintf("%d", msg.Tenant()))

	switch m := msg.(type) {
	case *ExtractMessage:
		h.Set(HeaderJobName, m.JobName)
		h.Set(HeaderIntegrationID, fmt.Sprintf("%d", m.IntegrationID))
	case *TransformMessage:
		h.Set(HeaderJobName, m.JobName)
		h.Set(HeaderBatchID, m.BatchID)
	case *LoadMessage:
		h.Set(HeaderJobName, m.JobName)
		h.Set(HeaderBatchID, m.BatchID)
	case *VectorizeMessage:
		h.Set(HeaderJobName, m.JobName)
		h.Set(HeaderBatchID, m.BatchID)
	}
	return h
}
