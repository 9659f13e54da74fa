// Package oplog keeps the bounded, ordered history of operations applied to
// one flow document.
package oplog

import (
	"errors"
	"fmt"
	"time"

	"flowcollab/backend/internal/ot/flowop"
)

const DefaultMaxEntries = 1000

var (
	// ErrDesync means the requested base predates the retained window; the
	// client must reload the document snapshot instead of rebasing.
	ErrDesync = errors.New("RESYNC_REQUIRED")
	// ErrFutureSequence means the base is ahead of the log head.
	ErrFutureSequence = errors.New("FUTURE_SEQUENCE")
	// ErrSequenceCollision means the log no longer holds a gapless sequence.
	ErrSequenceCollision = errors.New("SEQUENCE_COLLISION")
)

// Log is a ring buffer of entries with gapless, strictly increasing sequence
// numbers. It is not safe for concurrent use; a document actor owns it.
type Log struct {
	maxEntries int

	ring  []flowop.Entry
	start int // index of the oldest entry
	count int

	head         uint64 // last assigned sequence, 0 when nothing was appended
	lastActivity time.Time
}

func New(maxEntries int) *Log {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Log{maxEntries: maxEntries, ring: make([]flowop.Entry, 0, min(maxEntries, 64))}
}

func (l *Log) Head() uint64            { return l.head }
func (l *Log) Len() int                { return l.count }
func (l *Log) MaxEntries() int         { return l.maxEntries }
func (l *Log) LastActivity() time.Time { return l.lastActivity }

// Oldest returns the sequence of the oldest retained entry, or head+1 when
// the log is empty.
func (l *Log) Oldest() uint64 {
	if l.count == 0 {
		return l.head + 1
	}
	return l.at(0).Sequence
}

func (l *Log) at(i int) flowop.Entry {
	return l.ring[(l.start+i)%len(l.ring)]
}

// Append assigns the next sequence to op, stores it and trims the buffer.
func (l *Log) Append(authorID string, op flowop.Operation, now time.Time) (flowop.Entry, error) {
	if err := l.Verify(); err != nil {
		return flowop.Entry{}, err
	}
	entry := flowop.Entry{
		Sequence:  l.head + 1,
		AuthorID:  authorID,
		Operation: op.Clone(),
		Timestamp: now,
	}

	l.Trim()
	switch {
	case len(l.ring) < l.maxEntries && l.start == 0:
		// still growing
		l.ring = append(l.ring, entry)
		l.count++
	case l.count < len(l.ring):
		l.ring[(l.start+l.count)%len(l.ring)] = entry
		l.count++
	default:
		// full: overwrite the oldest
		l.ring[l.start] = entry
		l.start = (l.start + 1) % len(l.ring)
	}
	l.head = entry.Sequence
	l.lastActivity = now
	l.Trim()
	return entry, nil
}

// ConcurrentSince returns entries with sequence > base in ascending order.
func (l *Log) ConcurrentSince(base uint64) ([]flowop.Entry, error) {
	if base > l.head {
		return nil, fmt.Errorf("%w: base %d, head %d", ErrFutureSequence, base, l.head)
	}
	if base == l.head {
		return nil, nil
	}
	if base+1 < l.Oldest() {
		return nil, fmt.Errorf("%w: base %d, oldest retained %d", ErrDesync, base, l.Oldest())
	}
	skip := int(base + 1 - l.Oldest())
	out := make([]flowop.Entry, 0, l.count-skip)
	for i := skip; i < l.count; i++ {
		out = append(out, l.at(i))
	}
	return out, nil
}

// History returns at most limit of the most recent entries, oldest first.
// limit <= 0 returns everything retained.
func (l *Log) History(limit int) []flowop.Entry {
	n := l.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]flowop.Entry, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.at(i))
	}
	return out
}

// Trim drops the oldest entries beyond the retention limit and compacts the
// ring. It returns the number of dropped entries.
func (l *Log) Trim() int {
	dropped := 0
	if l.count > l.maxEntries {
		dropped = l.count - l.maxEntries
		l.start = (l.start + dropped) % len(l.ring)
		l.count = l.maxEntries
	}
	if dropped > 0 || len(l.ring) > l.maxEntries {
		l.compact()
	}
	return dropped
}

// SetMaxEntries changes the retention limit. Shrinking takes effect on the
// next Trim or Append.
func (l *Log) SetMaxEntries(n int) {
	if n <= 0 {
		n = DefaultMaxEntries
	}
	l.maxEntries = n
}

func (l *Log) compact() {
	out := make([]flowop.Entry, l.count, l.maxEntries)
	for i := 0; i < l.count; i++ {
		out[i] = l.at(i)
	}
	l.ring = out
	l.start = 0
}

// Verify checks that retained entries are gapless and end at head.
func (l *Log) Verify() error {
	if l.count == 0 {
		return nil
	}
	prev := l.at(0).Sequence
	for i := 1; i < l.count; i++ {
		seq := l.at(i).Sequence
		if seq != prev+1 {
			return fmt.Errorf("%w: %d follows %d", ErrSequenceCollision, seq, prev)
		}
		prev = seq
	}
	if prev != l.head {
		return fmt.Errorf("%w: last entry %d, head %d", ErrSequenceCollision, prev, l.head)
	}
	return nil
}

// Reset drops every entry while keeping the head, so sequences keep
// increasing and every older base becomes a desync.
func (l *Log) Reset() {
	l.ring = l.ring[:0]
	l.start = 0
	l.count = 0
}
