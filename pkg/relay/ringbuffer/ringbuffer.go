// Package ringbuffer implements the per-call 30s circular audio log with
// sequence numbers and gap tracking, grounded on original_source's
// realtime/ring_buffer.py.
package ringbuffer

import (
	"sort"
	"time"
)

// DefaultCapacitySlots is 30s of audio at 20ms/slot.
const DefaultCapacitySlots = 1500

// ChunkDurationMs is the fixed slot duration the whole module assumes.
const ChunkDurationMs = 20

type slot struct {
	data      []byte
	sequence  int64
	timestamp time.Time
}

// RingBuffer is a fixed-slot circular audio log. Single writer (media
// ingress), single reader (sender/recovery) per spec.md §4.1.
type RingBuffer struct {
	slots       []slot
	capacity    int
	writePos    int
	totalWritten int64

	LastReceivedSeq int64
	LastSentSeq     int64
}

// New constructs a RingBuffer with the given slot capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacitySlots
	}
	return &RingBuffer{
		slots:    make([]slot, capacity),
		capacity: capacity,
	}
}

// Write assigns the next sequence number, stamps the slot, and advances the
// write cursor modulo capacity, silently overwriting the oldest slot once full.
func (r *RingBuffer) Write(data []byte) int64 {
	r.totalWritten++
	seq := r.totalWritten
	r.slots[r.writePos] = slot{data: data, sequence: seq, timestamp: time.Now()}
	r.LastReceivedSeq = seq
	r.writePos = (r.writePos + 1) % r.capacity
	return seq
}

// MarkSent monotonically advances LastSentSeq; it never regresses.
func (r *RingBuffer) MarkSent(sequence int64) {
	if sequence > r.LastSentSeq {
		r.LastSentSeq = sequence
	}
}

// Gap is the number of audio slots received but not yet marked sent.
func (r *RingBuffer) Gap() int64 {
	return r.LastReceivedSeq - r.LastSentSeq
}

// GapMs is Gap expressed in milliseconds at ChunkDurationMs per slot.
func (r *RingBuffer) GapMs() int64 {
	return r.Gap() * ChunkDurationMs
}

// Unsent returns all currently-stored slots with sequence in
// (LastSentSeq, LastReceivedSeq], in sequence order.
func (r *RingBuffer) Unsent() [][]byte {
	if r.Gap() <= 0 {
		return nil
	}
	type seqData struct {
		seq  int64
		data []byte
	}
	var found []seqData
	for _, s := range r.slots {
		if s.data == nil {
			continue
		}
		if s.sequence > r.LastSentSeq && s.sequence <= r.LastReceivedSeq {
			found = append(found, seqData{s.sequence, s.data})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([][]byte, len(found))
	for i, f := range found {
		out[i] = f.data
	}
	return out
}

// UnsentBytes concatenates Unsent().
func (r *RingBuffer) UnsentBytes() []byte {
	chunks := r.Unsent()
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Recent returns slots whose timestamp falls within the last durationMs.
func (r *RingBuffer) Recent(durationMs int) [][]byte {
	slotCount := durationMs / ChunkDurationMs
	if slotCount > r.capacity {
		slotCount = r.capacity
	}
	if int64(slotCount) > r.totalWritten {
		slotCount = int(r.totalWritten)
	}
	if slotCount <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(durationMs) * time.Millisecond)

	type seqData struct {
		seq  int64
		data []byte
	}
	var found []seqData
	for _, s := range r.slots {
		if s.data == nil {
			continue
		}
		if s.timestamp.After(cutoff) || s.timestamp.Equal(cutoff) {
			found = append(found, seqData{s.sequence, s.data})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	if len(found) > slotCount {
		found = found[len(found)-slotCount:]
	}
	out := make([][]byte, len(found))
	for i, f := range found {
		out[i] = f.data
	}
	return out
}

// Clear resets all slots and counters.
func (r *RingBuffer) Clear() {
	r.slots = make([]slot, r.capacity)
	r.writePos = 0
	r.totalWritten = 0
	r.LastReceivedSeq = 0
	r.LastSentSeq = 0
}

// TotalWritten exposes the lifetime write count (read by the tests).
func (r *RingBuffer) TotalWritten() int64 { return r.totalWritten }
