// Package publisher streams execution outcomes to NATS JetStream for
// downstream consumers (alerting, dashboards, accounting).
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"liqkeeper/internal/liquidator"
)

const (
	streamName    = "LIQKEEPER_EVENTS"
	subjectPrefix = "liqkeeper.events"
)

// outcomeEvent is the wire form of an execution outcome. Every attempt gets
// its own id so downstream consumers can deduplicate redeliveries.
type outcomeEvent struct {
	AttemptID string    `json:"attempt_id"`
	Kind      string    `json:"kind"`
	Route     string    `json:"route,omitempty"`
	Account   string    `json:"account"`
	TcsID     uint64    `json:"tcs_id,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher buffers outcomes on a channel and publishes them from a single
// goroutine. It implements liquidator.OutcomeSink; a full buffer drops the
// outcome rather than stalling execution.
type Publisher struct {
	js    jetstream.JetStream
	queue chan liquidator.Outcome
	log   zerolog.Logger
}

// NewPublisher creates a publisher with the given buffer size.
func NewPublisher(js jetstream.JetStream, buffer int, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:    js,
		queue: make(chan liquidator.Outcome, buffer),
		log:   log,
	}
}

// RecordOutcome implements liquidator.OutcomeSink.
func (p *Publisher) RecordOutcome(_ context.Context, o liquidator.Outcome) {
	select {
	case p.queue <- o:
	default:
		p.log.Warn().Str("kind", o.Kind).Msg("outcome buffer full, event dropped")
	}
}

// Run publishes queued outcomes until the context ends.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-p.queue:
			if err := p.publish(ctx, o); err != nil {
				// Non-fatal; the database writer keeps the durable record.
				p.log.Warn().Err(err).Str("kind", o.Kind).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, o liquidator.Outcome) error {
	evt := outcomeEvent{
		AttemptID: uuid.NewString(),
		Kind:      o.Kind,
		Route:     o.Route,
		Account:   o.Account.String(),
		TcsID:     o.TcsID,
		Error:     o.Err,
		At:        o.At,
	}
	if !o.Signature.IsZero() {
		evt.Signature = o.Signature.String()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, o.Kind)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outcome stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outcome stream: %w", err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
