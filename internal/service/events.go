// Package service publishes experiment events on NATS JetStream.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/model"
)

const (
	eventStreamName  = "EXPERIMENTS"
	eventSubjectRoot = "experiment"
	streamMaxAge     = 7 * 24 * time.Hour
	operationTimeout = 10 * time.Second
)

// Publisher emits experiment events
type Publisher interface {
	Publish(ctx context.Context, event *model.Event) error
}

// NopPublisher drops every event
type NopPublisher struct{}

// Publish implements Publisher.Publish
func (NopPublisher) Publish(context.Context, *model.Event) error { return nil }

// Subject returns the subject an event type is published on
func Subject(t model.EventType) string {
	return eventSubjectRoot + "." + string(t)
}

// EventService publishes and consumes experiment events on JetStream
type EventService struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewEventService creates the service and makes sure the event stream exists
func NewEventService(js nats.JetStreamContext, logger *zap.Logger) (*EventService, error) {
	s := &EventService{
		js:     js,
		logger: logger.Named("events"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := s.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return s, nil
}

func (s *EventService) setupStream(ctx context.Context) error {
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventSubjectRoot + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			s.logger.Info("Stream already exists", zap.String("stream", eventStreamName))
			return nil
		}
		return err
	}

	s.logger.Info("Stream created successfully", zap.String("stream", eventStreamName))
	return nil
}

// Publish implements Publisher.Publish
func (s *EventService) Publish(ctx context.Context, event *model.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := s.js.Publish(Subject(event.Type), data, nats.Context(ctx)); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return err
	}

	s.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))
	return nil
}

// Subscribe delivers every event of the stream to handler until ctx ends
func (s *EventService) Subscribe(ctx context.Context, handler func(model.Event)) error {
	sub, err := s.js.Subscribe(eventSubjectRoot+".>", func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}

		handler(event)
		msg.Ack()
	}, nats.DeliverAll(), nats.ManualAck())
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// Connect dials url and returns the connection with its JetStream context
func Connect(url string, timeout time.Duration) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(url, nats.Timeout(timeout), nats.Name("exprunner"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.MaxWait(timeout))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	return nc, js, nil
}
