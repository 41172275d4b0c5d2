// Package events publishes run lifecycle events to Kafka for downstream
// consumers such as notification and analytics services.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shopify/sarama"

	"github.com/tidewire/digestd/pkg/types"
)

// RunEvent is one run lifecycle record. Events are keyed by job ID so a
// consumer sees all deliveries of a job on one partition, in order.
type RunEvent struct {
	JobID    string     `json:"job_id"`
	Kind     types.Kind `json:"kind"`
	UserID   string     `json:"user_id,omitempty"`
	TopicID  string     `json:"topic_id,omitempty"`
	Outcome  string     `json:"outcome"` // ok, failed, skipped
	Reason   string     `json:"reason,omitempty"`
	Duration float64    `json:"duration_seconds"`
	At       time.Time  `json:"at"`
}

// Sink writes run events to a Kafka topic.
type Sink struct {
	Producer sarama.SyncProducer
	Topic    string
}

// Publish sends one run event. Callers treat failures as non-fatal: losing
// an event must not fail the job it describes.
func (s *Sink) Publish(ev RunEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}
	_, _, err = s.Producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.Topic,
		Key:   sarama.StringEncoder(ev.JobID),
		Value: sarama.ByteEncoder(buf),
	})
	return err
}
