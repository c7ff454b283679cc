package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]json.RawMessage
}

func (f *flushRecorder) flush(key string, candidates []json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, candidates)
}

func (f *flushRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func candidate(i byte) json.RawMessage {
	return json.RawMessage{'"', 'c', i, '"'}
}

func TestBatcher_FlushOnSize(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(3, time.Hour, rec.flush)

	b.Add("conn-1", candidate('1'))
	b.Add("conn-1", candidate('2'))
	assert.Equal(t, 0, rec.count())

	b.Add("conn-1", candidate('3'))
	assert.Equal(t, 1, rec.count())
	assert.Len(t, rec.batches[0], 3)
	assert.Equal(t, 0, b.Pending("conn-1"))
}

func TestBatcher_FlushOnDelay(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(100, 20*time.Millisecond, rec.flush)

	b.Add("conn-1", candidate('1'))
	b.Add("conn-1", candidate('2'))
	assert.Equal(t, 0, rec.count())

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batches[0], 2)
}

func TestBatcher_CancelStopsFlush(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(100, 20*time.Millisecond, rec.flush)

	b.Add("conn-1", candidate('1'))
	b.Cancel("conn-1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, b.Pending("conn-1"))
}

func TestBatcher_KeysAreIndependent(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(2, time.Hour, rec.flush)

	b.Add("conn-1", candidate('1'))
	b.Add("conn-2", candidate('2'))
	assert.Equal(t, 0, rec.count())

	b.Add("conn-1", candidate('3'))
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, b.Pending("conn-2"))
}

func TestBatcher_CancelPrefix(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher(100, 20*time.Millisecond, rec.flush)

	b.Add("conn-1|user-a", candidate('1'))
	b.Add("conn-1|user-b", candidate('2'))
	b.Add("conn-2|user-a", candidate('3'))
	b.CancelPrefix("conn-1|")

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}
