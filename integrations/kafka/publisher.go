package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"teampoints/core"
)

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher forwards engine events to a topic keyed by group id, so every
// event of a group lands on the same partition.
type Publisher struct {
	w   writer
	log *slog.Logger
}

func NewPublisher(brokers []string, topic string, log *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
	}
	return newPublisher(w, log)
}

func newPublisher(w writer, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{w: w, log: log.With(slog.String("component", "kafka-publisher"))}
}

// OnEvent writes ev; failures are logged.
func (p *Publisher) OnEvent(ctx context.Context, ev core.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	msg := kafkago.Message{Key: []byte(ev.GroupID), Value: b}
	if err := p.w.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		p.log.Warn("publish failed", slog.String("event", string(ev.Type)), slog.String("error", err.Error()))
	}
}

func (p *Publisher) Close() error { return p.w.Close() }
