package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"KamSettle/internal/observability"
)

const (
	// CommandStream carries operator commands into the daemon.
	CommandStream  = "KAM_COMMANDS"
	CommandSubject = "kam.cmd.>"

	// EventStream carries settled-state events out to downstream consumers.
	EventStream  = "KAM_EVENTS"
	EventSubject = "kam.events.>"
)

// RawCommand is a command message pulled off JetStream, ready for the
// dispatcher to parse and apply. Ack after the command applied (or was
// rejected for a business reason); Nak on transient failure so JetStream
// redelivers.
type RawCommand struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
	AckFunc    func()
	NakFunc    func()
}

// Subscriber consumes the command stream and feeds the dispatcher via
// commandChan.
type Subscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumer    jetstream.ConsumeContext
	logger      zerolog.Logger
}

func NewSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *Subscriber {
	return &Subscriber{
		js:          js,
		commandChan: commandChan,
		logger:      observability.NewLogger("ingestion"),
	}
}

// Subscribe creates the durable command consumer. Explicit ACK,
// max_deliver=5, ack_wait=30s.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       "kam-commands",
		FilterSubject: CommandSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer kam-commands: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawCommand{
			Subject:    msg.Subject(),
			Data:       msg.Data(),
			ReceivedAt: time.Now(),
			AckFunc:    func() { msg.Ack() },
			NakFunc:    func() { msg.Nak() },
		}

		select {
		case s.commandChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume kam-commands: %w", err)
	}

	s.consumer = cc
	s.logger.Info().Str("subject", CommandSubject).Msg("subscribed to command stream")
	return nil
}

// Stop gracefully stops the consumer.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.logger.Info().Msg("command subscriber stopped")
}

// EnsureStreams creates the command and event streams if they don't
// exist. FileStorage, limits retention, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
