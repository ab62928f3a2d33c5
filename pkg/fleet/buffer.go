package fleet

import (
	"sync"
	"time"
)

const (
	// tailSize is how much recent output is retained per worker.
	tailSize = 50 * 1024

	// tailTTL expires idle worker buffers.
	tailTTL = 6 * time.Hour
)

// OutputBuffer keeps a bounded tail of live command output per worker id.
// It is the ephemeral peek surface; the durable tails live on RunnerJob
// rows. Stale entries are pruned lazily on access.
type OutputBuffer struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*tailEntry
}

type tailEntry struct {
	data      []byte
	updatedAt time.Time
}

// NewOutputBuffer creates a buffer with the default tail size and TTL.
func NewOutputBuffer() *OutputBuffer {
	return &OutputBuffer{
		max:     tailSize,
		ttl:     tailTTL,
		now:     time.Now,
		entries: make(map[string]*tailEntry),
	}
}

// Append adds data to a worker's tail, trimming from the front past the
// size limit.
func (b *OutputBuffer) Append(workerID, data string) {
	if workerID == "" || data == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()

	e := b.entries[workerID]
	if e == nil {
		e = &tailEntry{}
		b.entries[workerID] = e
	}
	e.data = append(e.data, data...)
	if len(e.data) > b.max {
		e.data = e.data[len(e.data)-b.max:]
	}
	e.updatedAt = b.now()
}

// Tail returns the retained output for a worker.
func (b *OutputBuffer) Tail(workerID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	e, ok := b.entries[workerID]
	if !ok {
		return "", false
	}
	return string(e.data), true
}

// Workers returns the ids with live output.
func (b *OutputBuffer) Workers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	out := make([]string, 0, len(b.entries))
	for id := range b.entries {
		out = append(out, id)
	}
	return out
}

func (b *OutputBuffer) pruneLocked() {
	cutoff := b.now().Add(-b.ttl)
	for id, e := range b.entries {
		if e.updatedAt.Before(cutoff) {
			delete(b.entries, id)
		}
	}
}
