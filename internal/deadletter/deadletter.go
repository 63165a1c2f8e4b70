// Package deadletter archives stream records that can never be applied.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dex-indexer/internal/stream"
)

// Entry is one archived record.
type Entry struct {
	Stream   string            `json:"stream"`
	Group    string            `json:"group"`
	RecordID string            `json:"record_id"`
	Values   map[string]string `json:"values"`
	Reason   string            `json:"reason"`
	At       time.Time         `json:"at"`
}

// Sink stores dead-lettered entries.
type Sink interface {
	Archive(ctx context.Context, e Entry) error
}

// Nop drops entries.
type Nop struct{}

// Archive implements Sink.
func (Nop) Archive(context.Context, Entry) error { return nil }

// StreamSink appends entries to a broker stream.
type StreamSink struct {
	pub    *stream.Publisher
	stream string
}

// NewStreamSink creates a sink writing to name through pub.
func NewStreamSink(pub *stream.Publisher, name string) *StreamSink {
	return &StreamSink{pub: pub, stream: name}
}

// Archive implements Sink.
func (s *StreamSink) Archive(ctx context.Context, e Entry) error {
	values, err := json.Marshal(e.Values)
	if err != nil {
		return fmt.Errorf("encode dead letter values: %w", err)
	}
	_, err = s.pub.Publish(ctx, s.stream, map[string]string{
		"stream":    e.Stream,
		"group":     e.Group,
		"record_id": e.RecordID,
		"reason":    e.Reason,
		"at":        e.At.UTC().Format(time.RFC3339Nano),
		"values":    string(values),
	})
	if err != nil {
		return fmt.Errorf("archive %s/%s: %w", e.Stream, e.RecordID, err)
	}
	return nil
}
