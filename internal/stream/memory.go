package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with consumer group semantics. It is
// used by tests and single-process runs.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
	notify  chan struct{}
	now     func() time.Time
	lastMs  int64
	seq     int64
	status  map[string]string

	// ReadLimit caps records returned by one ReadGroup call when > 0.
	ReadLimit int
}

type memStream struct {
	entries []Record
	groups  map[string]*memGroup
}

type memGroup struct {
	next    int // index of the first undelivered entry
	pending map[string]*memPending
}

type memPending struct {
	consumer  string
	delivered time.Time
	count     int64
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		streams: make(map[string]*memStream),
		notify:  make(chan struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for idle times.
func (b *MemoryBroker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBroker) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

// CreateGroup creates group positioned at the current stream tail.
func (b *MemoryBroker) CreateGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if _, ok := s.groups[group]; ok {
		return ErrGroupExists
	}
	s.groups[group] = &memGroup{next: len(s.entries), pending: make(map[string]*memPending)}
	return nil
}

// ReadGroup delivers new records, waiting up to args.Block for the first one.
func (b *MemoryBroker) ReadGroup(ctx context.Context, args ReadArgs) ([]Record, error) {
	var deadline <-chan time.Time
	if args.Block > 0 {
		t := time.NewTimer(args.Block)
		defer t.Stop()
		deadline = t.C
	}
	for {
		b.mu.Lock()
		recs, err := b.readLocked(args)
		wait := b.notify
		b.mu.Unlock()
		if err != nil || len(recs) > 0 || args.Block < 0 {
			return recs, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (b *MemoryBroker) readLocked(args ReadArgs) ([]Record, error) {
	s, ok := b.streams[args.Stream]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such key %q", args.Stream)
	}
	g, ok := s.groups[args.Group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such group %q", args.Group)
	}
	n := int(args.Count)
	if n <= 0 {
		n = len(s.entries)
	}
	if b.ReadLimit > 0 && n > b.ReadLimit {
		n = b.ReadLimit
	}
	var out []Record
	now := b.now()
	for g.next < len(s.entries) && len(out) < n {
		rec := s.entries[g.next]
		g.next++
		g.pending[rec.ID] = &memPending{consumer: args.Consumer, delivered: now, count: 1}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// Pending lists pending entries idle for at least minIdle in stream order.
func (b *MemoryBroker) Pending(_ context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var out []PendingEntry
	for _, rec := range b.streams[stream].entries {
		p, ok := g.pending[rec.ID]
		if !ok {
			continue
		}
		idle := now.Sub(p.delivered)
		if idle < minIdle {
			continue
		}
		out = append(out, PendingEntry{ID: rec.ID, Consumer: p.consumer, Idle: idle, Delivery: p.count})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Claim reassigns idle pending entries to consumer.
func (b *MemoryBroker) Claim(_ context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var out []Record
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.delivered) < minIdle {
			continue
		}
		rec, ok := b.findLocked(stream, id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.delivered = now
		p.count++
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// Ack removes ids from the pending list.
func (b *MemoryBroker) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupLocked(stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Add appends a record with a fresh "ms-seq" id.
func (b *MemoryBroker) Add(_ context.Context, stream string, values map[string]string, maxLen int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ms := b.now().UnixMilli()
	if ms <= b.lastMs {
		ms = b.lastMs
		b.seq++
	} else {
		b.lastMs = ms
		b.seq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, b.seq)
	s := b.stream(stream)
	s.entries = append(s.entries, copyRecord(Record{ID: id, Values: values}))
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := len(s.entries) - int(maxLen)
		s.entries = s.entries[drop:]
		for _, g := range s.groups {
			g.next -= drop
			if g.next < 0 {
				g.next = 0
			}
		}
	}
	close(b.notify)
	b.notify = make(chan struct{})
	return id, nil
}

// Last returns the newest record of stream, or nil when it is empty.
func (b *MemoryBroker) Last(_ context.Context, stream string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok || len(s.entries) == 0 {
		return nil, nil
	}
	rec := copyRecord(s.entries[len(s.entries)-1])
	return &rec, nil
}

// SetStatus stores a status value readable through Status.
func (b *MemoryBroker) SetStatus(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == nil {
		b.status = make(map[string]string)
	}
	b.status[key] = value
	return nil
}

// Status returns the value stored by SetStatus.
func (b *MemoryBroker) Status(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status[key]
}

// PendingCount returns the number of pending entries of group.
func (b *MemoryBroker) PendingCount(stream, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, err := b.groupLocked(stream, group)
	if err != nil {
		return 0
	}
	return len(g.pending)
}

// Entries returns a copy of the records in stream.
func (b *MemoryBroker) Entries(stream string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([]Record, len(s.entries))
	for i, rec := range s.entries {
		out[i] = copyRecord(rec)
	}
	return out
}

func (b *MemoryBroker) groupLocked(stream, group string) (*memGroup, error) {
	s, ok := b.streams[stream]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such key %q", stream)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such group %q", group)
	}
	return g, nil
}

func (b *MemoryBroker) findLocked(stream, id string) (Record, bool) {
	for _, rec := range b.streams[stream].entries {
		if rec.ID == id {
			return rec, true
		}
	}
	return Record{}, false
}

func copyRecord(r Record) Record {
	values := make(map[string]string, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return Record{ID: r.ID, Values: values}
}
