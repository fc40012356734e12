// Package pqueue holds segments that arrived ahead of the receive point,
// ordered by starting sequence number.
package pqueue

import (
	"container/heap"

	"github.com/google/netstack/tcpip/seqnum"
)

// Packet is a run of received bytes covering [Start, End).
type Packet struct {
	Start seqnum.Value
	End   seqnum.Value
	Data  []byte
}

// NewPacket copies data starting at seq.
func NewPacket(seq seqnum.Value, data []byte) *Packet {
	p := &Packet{Start: seq, Data: make([]byte, len(data))}
	copy(p.Data, data)
	p.End = seq.Add(seqnum.Size(len(data)))
	return p
}

// PriorityQueue is a min-heap on Start. Use Insert, Peek and Remove; the
// heap.Interface methods are for container/heap.
type PriorityQueue []*Packet

func New() *PriorityQueue {
	pq := make(PriorityQueue, 0)
	return &pq
}

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].Start.LessThan(pq[j].Start)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *PriorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(*Packet))
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// Insert queues p unless a packet covering the same span is already
// queued, and reports whether it was added.
func (pq *PriorityQueue) Insert(p *Packet) bool {
	if pq.Contains(p.Start, p.End) {
		return false
	}
	heap.Push(pq, p)
	return true
}

// Contains reports whether a packet covering exactly [start, end) is queued.
func (pq PriorityQueue) Contains(start, end seqnum.Value) bool {
	for _, p := range pq {
		if p.Start == start && p.End == end {
			return true
		}
	}
	return false
}

// Peek returns the packet with the lowest Start, or nil.
func (pq *PriorityQueue) Peek() *Packet {
	if pq.Len() == 0 {
		return nil
	}
	return (*pq)[0]
}

// Remove pops the packet with the lowest Start, or returns nil.
func (pq *PriorityQueue) Remove() *Packet {
	if pq.Len() == 0 {
		return nil
	}
	return heap.Pop(pq).(*Packet)
}

// Buffered is the total payload held.
func (pq PriorityQueue) Buffered() int {
	n := 0
	for _, p := range pq {
		n += len(p.Data)
	}
	return n
}

// Drain removes every packet that starts at or before next and hands the
// part beyond next to deliver, which returns the new next. Packets wholly
// behind next are discarded. Drain stops at the first gap and returns the
// final next.
func (pq *PriorityQueue) Drain(next seqnum.Value, deliver func(seqnum.Value, []byte) seqnum.Value) seqnum.Value {
	for {
		p := pq.Peek()
		if p == nil || next.LessThan(p.Start) {
			return next
		}
		pq.Remove()
		if p.End.LessThanEq(next) {
			continue
		}
		next = deliver(next, p.Data[next-p.Start:])
	}
}

func (pq *PriorityQueue) Clear() {
	*pq = (*pq)[:0]
}
