// Package retransmit keeps the segments a connection has sent but the peer
// has not yet acknowledged.
package retransmit

import (
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/netstack/tcpip/seqnum"

	"toytcp/pkg/packet"
	"toytcp/pkg/tcpflags"
)

// Entry is one outstanding segment.
type Entry struct {
	Segment      packet.Segment
	LastTransmit time.Time
	// Count is the number of times the segment has been put on the wire,
	// 1 after the first send.
	Count int
	// Timeout is how long to wait after LastTransmit before resending.
	Timeout time.Duration

	backoff *backoff.ExponentialBackOff
}

// Due reports whether the entry should be resent at now.
func (e *Entry) Due(now time.Time) bool {
	return now.Sub(e.LastTransmit) >= e.Timeout
}

// Exhausted reports whether the segment has been retransmitted more than
// max times.
func (e *Entry) Exhausted(max int) bool {
	return e.Count > max
}

// Queue is ordered by send time, which for a single connection is also
// sequence order.
type Queue struct {
	entries []*Entry
	rto     time.Duration
	rtoMax  time.Duration
}

// New returns an empty queue whose entries first wait rto and double their
// wait after each retransmission up to rtoMax.
func New(rto, rtoMax time.Duration) *Queue {
	if rtoMax < rto {
		rtoMax = rto
	}
	return &Queue{rto: rto, rtoMax: rtoMax}
}

// Admits reports whether seg belongs in a retransmission queue: it carries
// payload or has ACK set.
func Admits(seg packet.Segment) bool {
	return len(seg.Payload()) > 0 || seg.Flags().HasAny(tcpflags.ACK)
}

// NewEntry tracks seg as sent once at now, outside any queue. Its wait
// starts at rto and doubles on each Backoff up to rtoMax.
func NewEntry(seg packet.Segment, now time.Time, rto, rtoMax time.Duration) *Entry {
	if rtoMax < rto {
		rtoMax = rto
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rto
	b.MaxInterval = rtoMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Entry{
		Segment:      seg.Clone(),
		LastTransmit: now,
		Count:        1,
		Timeout:      b.NextBackOff(),
		backoff:      b,
	}
}

// Backoff records that the segment went back on the wire at now and
// lengthens the wait before the next attempt.
func (e *Entry) Backoff(now time.Time) {
	e.LastTransmit = now
	e.Count++
	if next := e.backoff.NextBackOff(); next != backoff.Stop {
		e.Timeout = next
	}
}

// Push records seg as transmitted at now. Segments that Admits rejects are
// ignored and Push returns false. The queue keeps its own copy.
func (q *Queue) Push(seg packet.Segment, now time.Time) bool {
	if !Admits(seg) {
		return false
	}
	q.entries = append(q.entries, NewEntry(seg, now, q.rto, q.rtoMax))
	return true
}

// RetireUpTo removes every entry whose end sequence is covered by ack and
// returns how many were removed. Remaining entries keep their order.
func (q *Queue) RetireUpTo(ack seqnum.Value) int {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Segment.End().LessThanEq(ack) {
			continue
		}
		kept = append(kept, e)
	}
	removed := len(q.entries) - len(kept)
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return removed
}

// Due returns the entries that should be resent at now, oldest first.
func (q *Queue) Due(now time.Time) []*Entry {
	var due []*Entry
	for _, e := range q.entries {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	return due
}

// MarkRetransmitted records that e went back on the wire at now.
func (q *Queue) MarkRetransmitted(e *Entry, now time.Time) {
	e.Backoff(now)
}

func (q *Queue) Len() int { return len(q.entries) }

// Entries returns the outstanding entries in order. The slice is a copy;
// the entries are not.
func (q *Queue) Entries() []*Entry {
	out := make([]*Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear drops everything.
func (q *Queue) Clear() {
	q.entries = nil
}
