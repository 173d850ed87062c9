package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"teampoints/core"
	"teampoints/engine"
)

// ActionMessage is the wire format of an inbound action event.
type ActionMessage struct {
	ActionType   string                     `json:"actionType"`
	Participants map[string][]core.PersonID `json:"participants"`
}

// Decode parses and validates an action message.
func Decode(b []byte) (ActionMessage, error) {
	var m ActionMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return ActionMessage{}, fmt.Errorf("decode action: %w", err)
	}
	if strings.TrimSpace(m.ActionType) == "" {
		return ActionMessage{}, errors.New("decode action: actionType is required")
	}
	return m, nil
}

// Processor is the engine entry point the consumer feeds.
type Processor interface {
	Process(ctx context.Context, actionType string, participants core.Participants) (engine.ProcessReport, error)
}

type fetcher interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// ConsumerConfig selects the topic to read actions from.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads action messages and runs them through the engine. Offsets
// are committed after processing; undecodable messages are logged and skipped.
type Consumer struct {
	reader  fetcher
	proc    Processor
	log     *slog.Logger
	handled atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

func NewConsumer(cfg ConsumerConfig, proc Processor, log *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka consumer requires brokers and topic")
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newConsumer(r, proc, log), nil
}

func newConsumer(r fetcher, proc Processor, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{reader: r, proc: proc, log: log.With(slog.String("component", "kafka-consumer"))}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fetch failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("commit failed", slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) {
	action, err := Decode(msg.Value)
	if err != nil {
		c.skipped.Add(1)
		c.log.Warn("skipping message", slog.Int("partition", msg.Partition), slog.Int64("offset", msg.Offset), slog.String("error", err.Error()))
		return
	}
	report, err := c.proc.Process(ctx, action.ActionType, core.Participants(action.Participants))
	if err != nil {
		c.failed.Add(1)
		c.log.Error("action processing failed",
			slog.String("action", action.ActionType),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))
		return
	}
	c.handled.Add(1)
	c.log.Debug("action processed", slog.String("action", action.ActionType), slog.Any("applied", report.Applied))
}

// Stats reports processed, skipped and failed message counts.
func (c *Consumer) Stats() (handled, skipped, failed int64) {
	return c.handled.Load(), c.skipped.Load(), c.failed.Load()
}
