// Package reorder implements the bounded per-peer reorder buffer that lets
// MissionLink's receive path tolerate jitter-induced out-of-order delivery
// without a full selective-ACK scheme.
//
// Grounded on the teacher's tcpRecvBuffer (internal/netstack/tcp.go in the
// tinyrange-cc example): an insertion-ordered, capacity-bounded collection
// of out-of-order segments. Generalized from TCP's contiguous-byte-range
// reassembly (excluded by this protocol's Non-goals: no SACK/cumulative
// reassembly) down to the simpler discrete-sequence-number map spec §4.3
// calls for, and given an age-based eviction the teacher's buffer does not
// need (the teacher relies on the retransmission queue for that instead).
package reorder

import (
	"sync"
	"time"
)

type entry struct {
	payload []byte
	seq     int
	arrival time.Time
}

type peerBuffer struct {
	mu      sync.Mutex
	entries map[int]*entry
	order   []int // insertion order, oldest first, for capacity eviction
}

// Buffer is a bounded, age-evicting, per-peer map from sequence number to
// buffered payload. All operations are pure in-memory; there is no I/O.
type Buffer struct {
	maxEntries int
	maxAge     time.Duration

	mu    sync.Mutex
	peers map[string]*peerBuffer
}

// New creates a Buffer holding at most maxEntries per peer, evicting
// entries older than maxAge on Cleanup.
func New(maxEntries int, maxAge time.Duration) *Buffer {
	return &Buffer{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		peers:      make(map[string]*peerBuffer),
	}
}

func (b *Buffer) peer(key string) *peerBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[key]
	if !ok {
		p = &peerBuffer{entries: make(map[int]*entry)}
		b.peers[key] = p
	}
	return p
}

// Put stores payload for seq, evicting the oldest-inserted entry first if
// the peer's buffer is already at capacity.
func (b *Buffer) Put(peer string, seq int, payload []byte) {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[seq]; exists {
		return // already buffered; a duplicate reorder shouldn't bump eviction order
	}

	for len(p.entries) >= b.maxEntries && len(p.order) > 0 {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.entries, oldest)
	}

	p.entries[seq] = &entry{payload: append([]byte(nil), payload...), seq: seq, arrival: time.Now()}
	p.order = append(p.order, seq)
}

// Take removes and returns the payload buffered for seq, if any.
func (b *Buffer) Take(peer string, seq int) ([]byte, bool) {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[seq]
	if !ok {
		return nil, false
	}
	delete(p.entries, seq)
	p.order = removeSeq(p.order, seq)
	return e.payload, true
}

// Cleanup evicts every entry for peer that is either older than currentSeq
// (already delivered/expected to have been delivered) or older than maxAge.
func (b *Buffer) Cleanup(peer string, currentSeq int) {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for seq, e := range p.entries {
		if seq < currentSeq || now.Sub(e.arrival) > b.maxAge {
			delete(p.entries, seq)
			p.order = removeSeq(p.order, seq)
		}
	}
}

// Len returns the number of entries currently buffered for peer.
func (b *Buffer) Len(peer string) int {
	p := b.peer(peer)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func removeSeq(order []int, seq int) []int {
	for i, s := range order {
		if s == seq {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
