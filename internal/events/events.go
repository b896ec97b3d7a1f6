// Package events publishes committed context versions to downstream
// consumers.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/thapasuman5202/Engineering/internal/model"
)

// VersionEvent is the message emitted for every committed version.
type VersionEvent struct {
	ContextID     string             `json:"context_id"`
	Version       int                `json:"version"`
	ParentVersion *int               `json:"parent_version,omitempty"`
	Kind          model.Kind         `json:"kind"`
	SiteName      string             `json:"site_name,omitempty"`
	Scenarios     []string           `json:"scenarios"`
	RiskScores    map[string]float64 `json:"risk_scores"`
	InputsHash    string             `json:"inputs_hash,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// NewVersionEvent summarises a committed context.
func NewVersionEvent(c *model.Context) VersionEvent {
	ev := VersionEvent{
		ContextID:     c.ContextID,
		Version:       c.Version,
		ParentVersion: c.ParentVersion,
		Kind:          c.Kind,
		SiteName:      c.SiteName,
		Scenarios:     c.Scenarios,
		RiskScores:    c.RiskScores,
		CreatedAt:     c.CreatedAt,
	}
	if c.Audit != nil {
		ev.InputsHash = c.Audit.InputsHash
	}
	return ev
}

// Publisher emits version events.
type Publisher interface {
	Publish(ctx context.Context, c *model.Context) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, *model.Context) error { return nil }
func (Nop) Close() error                                  { return nil }

// KafkaConfig configures the kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces version events to a kafka topic, keyed by
// context_id so that a context's versions stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafka creates a kafka publisher.
func NewKafka(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, eris.New("events: kafka brokers and topic are required")
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, c *model.Context) error {
	msg, err := serializeToMessage(NewVersionEvent(c))
	if err != nil {
		return err
	}
	return eris.Wrapf(p.writer.WriteMessages(ctx, msg), "events: publish %s/%d", c.ContextID, c.Version)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a VersionEvent into a kafka message.
func serializeToMessage(ev VersionEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, eris.Wrap(err, "events: serialize version event")
	}
	return kafkago.Message{
		Key:   []byte(ev.ContextID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "version", Value: []byte(strconv.Itoa(ev.Version))},
			{Key: "created_at", Value: []byte(ev.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}
