package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	name     string
	jsonMode bool
	fail     bool
	calls    int
}

func (s *stubProvider) Name() string           { return s.name }
func (s *stubProvider) SupportsJSONMode() bool { return s.jsonMode }
func (s *stubProvider) Complete(_ context.Context, _ Request) (Response, error) {
	s.calls++
	if s.fail {
		return Response{}, errors.New("boom")
	}
	return Response{Text: "{}", Model: s.name}, nil
}

func TestFailoverUsesPrimaryWhenHealthy(t *testing.T) {
	primary := &stubProvider{name: "primary"}
	backup := &stubProvider{name: "backup"}
	f := NewFailoverProvider(DefaultFailoverConfig(), primary, backup)

	resp, err := f.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "primary" || backup.calls != 0 {
		t.Fatalf("resp = %+v, backup.calls = %d, want primary used exclusively", resp, backup.calls)
	}
}

func TestFailoverFallsBackOnPrimaryError(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: true}
	backup := &stubProvider{name: "backup"}
	f := NewFailoverProvider(DefaultFailoverConfig(), primary, backup)

	resp, err := f.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "backup" {
		t.Fatalf("resp = %+v, want backup", resp)
	}
}

func TestFailoverOpensCircuitAfterThreshold(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: true}
	backup := &stubProvider{name: "backup"}
	cfg := FailoverConfig{CircuitBreakerThreshold: 2, CircuitBreakerTimeout: time.Hour}
	f := NewFailoverProvider(cfg, primary, backup)

	for i := 0; i < 2; i++ {
		if _, err := f.Complete(context.Background(), Request{}); err != nil {
			t.Fatalf("Complete(%d): %v", i, err)
		}
	}
	if primary.calls != 2 {
		t.Fatalf("primary.calls = %d, want 2 (circuit not yet open)", primary.calls)
	}

	// Circuit is now open; even though primary would succeed, it should be
	// skipped entirely in favor of backup until the breaker timeout elapses.
	primary.fail = false
	if _, err := f.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("primary.calls = %d, want still 2 (circuit open should skip it)", primary.calls)
	}
}

func TestFailoverRoutesByModelProviderPrefix(t *testing.T) {
	primary := &stubProvider{name: "anthropic"}
	backup := &stubProvider{name: "openai"}
	f := NewFailoverProvider(DefaultFailoverConfig(), primary, backup)

	resp, err := f.Complete(context.Background(), Request{Model: "openai/gpt-4o"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "openai" || primary.calls != 0 {
		t.Fatalf("resp = %+v, anthropic.calls = %d, want prefixed provider tried first", resp, primary.calls)
	}
}

func TestFailoverReturnsErrorWhenAllFail(t *testing.T) {
	primary := &stubProvider{name: "primary", fail: true}
	backup := &stubProvider{name: "backup", fail: true}
	f := NewFailoverProvider(DefaultFailoverConfig(), primary, backup)

	if _, err := f.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error when every provider fails")
	}
}
