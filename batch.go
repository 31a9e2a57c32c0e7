package auditlog

import (
	"context"
	"time"
)

// BufferedRecord is an event waiting in a publisher's queue.
type BufferedRecord struct {
	Topic      string
	Event      Event
	EnqueuedAt time.Time
	Attempts   int
}

// Batch is an ordered group of records drained together.
type Batch struct {
	Records []BufferedRecord
}

// Len returns the number of records.
func (b Batch) Len() int { return len(b.Records) }

// Group is the subset of a batch sharing one sink-specific key.
type Group struct {
	Key     string
	Records []BufferedRecord
}

// GroupBy splits the batch by key, keeping first-seen key order and the
// record order within each group.
func (b Batch) GroupBy(key func(BufferedRecord) string) []Group {
	idx := make(map[string]int)
	var out []Group
	for _, r := range b.Records {
		k := key(r)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Group{Key: k})
		}
		out[i].Records = append(out[i].Records, r)
	}
	return out
}

// Result reports the records a sink could not deliver. Records in Retry
// are requeued by the publisher; records in Rejected can never be
// delivered and are counted as dropped.
type Result struct {
	Retry    []BufferedRecord
	Rejected []BufferedRecord
	Err      error
}

// Sink is a batch destination.
type Sink interface {
	Flush(ctx context.Context, batch Batch) Result
	Close() error
}
