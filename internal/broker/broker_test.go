package broker

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeRedis is a minimal in-memory stand-in for the redis stream commands
// Broker depends on, sufficient to exercise enqueue/dequeue/ack/reclaim
// without a live Redis server.
type fakeRedis struct {
	mu      sync.Mutex
	nextID  int
	entries map[string]map[string]any
	order   []string
	pending map[string]time.Time // id -> delivered-at, cleared on ack
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{entries: make(map[string]map[string]any), pending: make(map[string]time.Time)}
}

func (f *fakeRedis) XAdd(_ context.Context, _ string, values map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := itoa(f.nextID)
	f.entries[id] = values
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeRedis) XGroupCreateMkStream(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeRedis) XReadGroup(_ context.Context, _, _, _ string, count int64, _ time.Duration) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StreamMessage
	for _, id := range f.order {
		if _, delivered := f.pending[id]; delivered {
			continue
		}
		if _, exists := f.entries[id]; !exists {
			continue
		}
		f.pending[id] = time.Now()
		out = append(out, StreamMessage{ID: id, Values: f.entries[id]})
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *fakeRedis) XAck(_ context.Context, _, _ string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.pending, id)
		delete(f.entries, id)
	}
	return int64(len(ids)), nil
}

func (f *fakeRedis) XPendingExt(_ context.Context, _, _ string, idle time.Duration, _ int64) ([]PendingEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingEntry
	for id, deliveredAt := range f.pending {
		out = append(out, PendingEntry{ID: id, Idle: time.Since(deliveredAt)})
		_ = idle
	}
	return out, nil
}

func (f *fakeRedis) XClaim(_ context.Context, _, _, _ string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []StreamMessage
	for _, id := range ids {
		if delivered, ok := f.pending[id]; ok && time.Since(delivered) >= minIdle {
			f.pending[id] = time.Now()
			out = append(out, StreamMessage{ID: id, Values: f.entries[id]})
		}
	}
	return out, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestBroker_EnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, newFakeRedis())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	job := Job{RunID: "run-1", ThreadID: "thread-1", InstanceID: "inst-a", ProjectID: "proj-1", ModelName: "claude"}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := b.Dequeue(ctx, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d == nil {
		t.Fatal("expected a delivery")
	}
	if d.Job.RunID != "run-1" {
		t.Fatalf("unexpected run id %q", d.Job.RunID)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	again, err := b.Dequeue(ctx, "worker-1", time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue again: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no more deliveries after ack, got %+v", again)
	}
}

func TestBroker_ReclaimStale(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	b, err := New(ctx, rdb)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := b.Enqueue(ctx, Job{RunID: "run-2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := b.Dequeue(ctx, "worker-a", time.Second)
	if err != nil || d == nil {
		t.Fatalf("dequeue: %v, %+v", err, d)
	}
	// simulate worker-a crashing before Ack, then another consumer
	// reclaiming once the entry is idle past StaleAfter by backdating it.
	rdb.mu.Lock()
	rdb.pending[d.ID] = time.Now().Add(-StaleAfter - time.Second)
	rdb.mu.Unlock()

	reclaimed, err := b.ReclaimStale(ctx, "worker-b")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Job.RunID != "run-2" {
		t.Fatalf("expected run-2 reclaimed, got %+v", reclaimed)
	}
	if err := reclaimed[0].Ack(ctx); err != nil {
		t.Fatalf("ack reclaimed: %v", err)
	}
}
