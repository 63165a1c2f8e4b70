// Package stream provides at-least-once consumption of broker streams through
// consumer groups, with stale-delivery reclamation.
package stream

import (
	"context"
	"errors"
	"time"
)

// ErrGroupExists is returned by Broker.CreateGroup when the group is already there.
var ErrGroupExists = errors.New("consumer group already exists")

// NoBlock makes ReadGroup return immediately when nothing is available.
const NoBlock time.Duration = -1

// Record is one stream entry: broker-assigned id plus its field map.
type Record struct {
	ID     string
	Values map[string]string
}

// PendingEntry is a delivered but unacknowledged record.
type PendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
	Delivery int64
}

// ReadArgs describes a consumer group read of new records.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	// Block is the longest wait for a first record. NoBlock returns at once;
	// zero blocks until a record arrives.
	Block time.Duration
}

// Broker is the subset of a stream broker the reader and publisher need.
type Broker interface {
	// CreateGroup creates a group at the stream tail, creating the stream
	// when missing. Returns ErrGroupExists if the group exists.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup returns records never delivered to the group before.
	// An empty result is not an error.
	ReadGroup(ctx context.Context, args ReadArgs) ([]Record, error)

	// Pending lists up to count pending entries idle for at least minIdle.
	Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)

	// Claim reassigns pending entries idle for at least minIdle to consumer
	// and returns them. Entries deleted from the stream are skipped.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Record, error)

	// Ack removes ids from the group's pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Add appends a record and returns its id. maxLen > 0 trims the stream
	// approximately to that length.
	Add(ctx context.Context, stream string, values map[string]string, maxLen int64) (string, error)
}
