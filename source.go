package rsoplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/luno/reflex"
)

// Source is the oplog feed supplied by the replication/storage
// collaborator. Records are delivered in strictly increasing timestamp
// order and are never mutated or re-ordered by this package.
type Source interface {
	// Next returns the first record with a timestamp strictly after the
	// given position. It returns reflex.ErrHeadReached when the feed is
	// currently exhausted; that is not an error, the caller should retry
	// later.
	Next(ctx context.Context, after Timestamp) (*Record, error)
}

// NewMemLog returns an empty in-memory oplog.
func NewMemLog() *MemLog {
	return &MemLog{}
}

// MemLog is an append-only in-memory oplog, useful in tests and for
// callers buffering a tailed feed. It implements Source.
type MemLog struct {
	mu      sync.Mutex
	records []*Record
	clock   Timestamp
}

// Append adds records to the head of the log in order. Records without a
// timestamp are assigned the next logical clock value; records with one
// must be appended in strictly increasing timestamp order or Append panics,
// since an out-of-order record would be unreachable by Next and silently
// skipped by tailing cursors.
func (l *MemLog) Append(recs ...*Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range recs {
		if rec.TS.IsZero() {
			l.clock.I++
			rec.TS = l.clock
		} else if rec.TS.After(l.clock) {
			l.clock = rec.TS
		} else {
			panic(fmt.Sprintf("memlog: append out of order: %s not after %s",
				rec.TS, l.clock))
		}
		l.records = append(l.records, rec)
	}
}

// Head returns the timestamp of the last appended record.
func (l *MemLog) Head() Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

func (l *MemLog) Next(_ context.Context, after Timestamp) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range l.records {
		if rec.TS.After(after) {
			return rec, nil
		}
	}

	return nil, reflex.ErrHeadReached
}
