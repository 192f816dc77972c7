// Package publish forwards written records to a Kafka change feed.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"gridingest/internal/events"
)

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a synchronous writer for topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// Publisher drains record_written events into the writer. Each message is
// keyed by source so one source's changes stay ordered within a partition.
type Publisher struct {
	w       MessageWriter
	log     *slog.Logger
	timeout time.Duration
}

func New(w MessageWriter, log *slog.Logger) *Publisher {
	return &Publisher{w: w, log: log.With(slog.String("component", "change-feed")), timeout: 10 * time.Second}
}

type change struct {
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	TickID  string          `json:"tick_id"`
	Outcome string          `json:"outcome"`
	Date    string          `json:"date"`
	Slot    string          `json:"slot"`
	BlockNo int             `json:"block_no"`
	Fields  json.RawMessage `json:"fields"`
	At      time.Time       `json:"at"`
}

// Run consumes ch until it closes or ctx ends. Write failures are logged and
// the event dropped; the feed is best effort.
func (p *Publisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.RecordWritten || ev.Record == nil {
				continue
			}
			if err := p.send(ctx, ev); err != nil {
				p.log.Warn("publish_failed", "source", ev.SourceKey, "err", err)
			}
		}
	}
}

func (p *Publisher) send(ctx context.Context, ev events.Event) error {
	fields, err := json.Marshal(ev.Record.Fields)
	if err != nil {
		return err
	}
	body, err := json.Marshal(change{
		Source:  ev.SourceKey,
		Target:  ev.Target,
		TickID:  ev.TickID,
		Outcome: ev.Outcome,
		Date:    ev.Record.Key.Date.String(),
		Slot:    ev.Record.Key.Slot.String(),
		BlockNo: ev.Record.Key.BlockNo,
		Fields:  fields,
		At:      ev.At,
	})
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(wctx, kafka.Message{Key: []byte(ev.SourceKey), Value: body})
}

func (p *Publisher) Close() error { return p.w.Close() }
