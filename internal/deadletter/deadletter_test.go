package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dex-indexer/internal/stream"
)

var at = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testEntry() Entry {
	return Entry{
		Stream:   "events:core",
		Group:    "timescale",
		RecordID: "1714564800000-0",
		Values:   map[string]string{"kind": "swap", "payload": "{"},
		Reason:   "malformed event",
		At:       at,
	}
}

func TestStreamSink_Archive(t *testing.T) {
	b := stream.NewMemoryBroker()
	sink := NewStreamSink(stream.NewPublisher(b, 0, nil), "events:dead")

	require.NoError(t, sink.Archive(context.Background(), testEntry()))

	entries := b.Entries("events:dead")
	require.Len(t, entries, 1)
	v := entries[0].Values
	assert.Equal(t, "events:core", v["stream"])
	assert.Equal(t, "1714564800000-0", v["record_id"])
	assert.Equal(t, "malformed event", v["reason"])

	var values map[string]string
	require.NoError(t, json.Unmarshal([]byte(v["values"]), &values))
	assert.Equal(t, "swap", values["kind"])
}

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Archive(t *testing.T) {
	put := &fakePutter{}
	sink := newS3Sink(put, "dlq", "/dex/")

	require.NoError(t, sink.Archive(context.Background(), testEntry()))

	require.Len(t, put.inputs, 1)
	assert.Equal(t, "dlq", *put.inputs[0].Bucket)
	assert.Equal(t, "dex/events_core/2024-05-01/1714564800000-0.json", *put.inputs[0].Key)

	var got Entry
	require.NoError(t, json.Unmarshal(put.bodies[0], &got))
	assert.Equal(t, testEntry(), got)
}

func TestS3Sink_ArchiveError(t *testing.T) {
	boom := errors.New("boom")
	sink := newS3Sink(&fakePutter{err: boom}, "dlq", "")
	assert.ErrorIs(t, sink.Archive(context.Background(), testEntry()), boom)
}

func TestNewS3Sink_Validation(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = NewS3Sink(context.Background(), S3Config{Bucket: "b"})
	assert.Error(t, err)
}
