// Package signaling provides the ICE candidate micro-batcher shared by the
// matchmaking and call relays.
package signaling

import (
	"encoding/json"
	"sync"
	"time"
)

// FlushFunc receives a drained batch. It runs outside the batcher lock, so it
// may call back into the batcher.
type FlushFunc func(key string, candidates []json.RawMessage)

// Batcher coalesces rapid ICE candidates per key (sender, or sender+target
// for selective group relay) into one multi-candidate message. A batch
// flushes after a fixed delay from its first candidate or once it reaches the
// size threshold, whichever comes first.
type Batcher struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	size    int
	delay   time.Duration
	flush   FlushFunc
}

type buffer struct {
	candidates []json.RawMessage
	timer      *time.Timer
}

// NewBatcher creates a batcher with the given size threshold and flush delay
func NewBatcher(size int, delay time.Duration, flush FlushFunc) *Batcher {
	return &Batcher{
		buffers: make(map[string]*buffer),
		size:    size,
		delay:   delay,
		flush:   flush,
	}
}

// Add buffers one candidate under the key, flushing immediately when the
// batch reaches the size threshold
func (b *Batcher) Add(key string, candidate json.RawMessage) {
	b.mu.Lock()
	buf, ok := b.buffers[key]
	if !ok {
		buf = &buffer{}
		buf.timer = time.AfterFunc(b.delay, func() { b.flushKey(key) })
		b.buffers[key] = buf
	}
	buf.candidates = append(buf.candidates, candidate)

	if len(buf.candidates) >= b.size {
		buf.timer.Stop()
		candidates := b.take(key)
		b.mu.Unlock()
		b.flush(key, candidates)
		return
	}
	b.mu.Unlock()
}

// Cancel drops any pending batch for the key and stops its timer. Must be
// called on disconnect so a late flush cannot fire into a dead room.
func (b *Batcher) Cancel(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[key]; ok {
		buf.timer.Stop()
		delete(b.buffers, key)
	}
}

// CancelPrefix drops every pending batch whose key starts with the prefix.
// Used on disconnect when batches are keyed by sender plus target.
func (b *Batcher) CancelPrefix(prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, buf := range b.buffers {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			buf.timer.Stop()
			delete(b.buffers, key)
		}
	}
}

// Pending returns the number of candidates currently buffered for the key
func (b *Batcher) Pending(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[key]; ok {
		return len(buf.candidates)
	}
	return 0
}

// flushKey drains the key's buffer on timer expiry
func (b *Batcher) flushKey(key string) {
	b.mu.Lock()
	candidates := b.take(key)
	b.mu.Unlock()
	if len(candidates) > 0 {
		b.flush(key, candidates)
	}
}

// take removes and returns the buffer contents. Caller must hold the lock.
func (b *Batcher) take(key string) []json.RawMessage {
	buf, ok := b.buffers[key]
	if !ok {
		return nil
	}
	delete(b.buffers, key)
	return buf.candidates
}
