package responselog

import (
	"context"
	"testing"
	"time"

	"github.com/forgehq/agentrun/pkg/models"
)

type fakeRedis struct {
	lists map[string][]string
	ttl   map[string]time.Duration
	subs  map[string][]chan string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: map[string][]string{},
		ttl:   map[string]time.Duration{},
		subs:  map[string][]chan string{},
	}
}

func (f *fakeRedis) RPush(_ context.Context, key string, value string) (int64, error) {
	f.lists[key] = append(f.lists[key], value)
	return int64(len(f.lists[key])), nil
}

func (f *fakeRedis) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	vals := f.lists[key]
	if stop < 0 || int(stop) >= len(vals) {
		stop = int64(len(vals)) - 1
	}
	if start > stop || int(start) >= len(vals) {
		return nil, nil
	}
	return append([]string(nil), vals[start:stop+1]...), nil
}

func (f *fakeRedis) LLen(_ context.Context, key string) (int64, error) {
	return int64(len(f.lists[key])), nil
}

func (f *fakeRedis) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.ttl[key] = ttl
	return true, nil
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message string) (int64, error) {
	subs := f.subs[channel]
	for _, ch := range subs {
		ch <- message
	}
	return int64(len(subs)), nil
}

func (f *fakeRedis) Subscribe(_ context.Context, channels ...string) PubSub {
	ch := make(chan string, 8)
	for _, c := range channels {
		f.subs[c] = append(f.subs[c], ch)
	}
	return &fakePubSub{ch: ch}
}

type fakePubSub struct{ ch chan string }

func (p *fakePubSub) Channel() <-chan string { return p.ch }
func (p *fakePubSub) Close() error           { close(p.ch); return nil }

func ev(t models.ResponseEventType) models.ResponseEvent {
	return models.ResponseEvent{Type: t, Metadata: models.ResponseEventMeta{ThreadRunID: "thread-1"}}
}

func TestAppendThenReadRangeFromZero(t *testing.T) {
	log := New(newFakeRedis())
	ctx := context.Background()

	idx0, err := log.Append(ctx, "run-1", ev(models.EventToolStarted))
	if err != nil || idx0 != 0 {
		t.Fatalf("first append = (%d, %v), want (0, nil)", idx0, err)
	}
	idx1, err := log.Append(ctx, "run-1", ev(models.EventToolResult))
	if err != nil || idx1 != 1 {
		t.Fatalf("second append = (%d, %v), want (1, nil)", idx1, err)
	}

	events, err := log.ReadRange(ctx, "run-1", 0, -1)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(events) != 2 || events[0].Type != models.EventToolStarted || events[1].Type != models.EventToolResult {
		t.Fatalf("ReadRange = %+v, want [tool_started, tool_result]", events)
	}
}

func TestLateSubscriberReplaysFullSequence(t *testing.T) {
	log := New(newFakeRedis())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, "run-1", ev(models.EventAssistantTextChunk)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	events, err := log.ReadRange(ctx, "run-1", 0, -1)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("late subscriber got %d events, want 5", len(events))
	}
}

func TestNotifyDeliversToSubscriber(t *testing.T) {
	log := New(newFakeRedis())
	ctx := context.Background()

	sub := log.SubscribeEvents(ctx, "run-1")
	defer sub.Close()

	if err := log.Notify(ctx, "run-1"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case payload := <-sub.Channel():
		if payload != NewResponseToken {
			t.Fatalf("payload = %q, want %q", payload, NewResponseToken)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestControlChannelsReachBothGlobalAndInstance(t *testing.T) {
	log := New(newFakeRedis())
	ctx := context.Background()

	sub := log.SubscribeControl(ctx, "run-1", "inst-a")
	defer sub.Close()

	if err := log.PublishControl(ctx, "run-1", ControlStop); err != nil {
		t.Fatalf("PublishControl: %v", err)
	}
	select {
	case payload := <-sub.Channel():
		if payload != ControlStop {
			t.Fatalf("payload = %q, want %q", payload, ControlStop)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on global control channel")
	}

	if err := log.PublishControlToInstance(ctx, "run-1", "inst-a", ControlEndStream); err != nil {
		t.Fatalf("PublishControlToInstance: %v", err)
	}
	select {
	case payload := <-sub.Channel():
		if payload != ControlEndStream {
			t.Fatalf("payload = %q, want %q", payload, ControlEndStream)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting on instance control channel")
	}
}
