package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FailoverConfig configures FailoverProvider, adapted from
// agent.FailoverConfig (same circuit-breaker threshold/timeout shape).
type FailoverConfig struct {
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultFailoverConfig returns sensible defaults.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

type circuitState struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

func (s *circuitState) available(cfg FailoverConfig) bool {
	if !s.circuitOpen {
		return true
	}
	return time.Since(s.circuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FailoverProvider tries each configured Provider in order, skipping any
// whose circuit breaker is open, adapted from agent.FailoverOrchestrator:
// same per-provider failure counting and circuit-open/half-open behavior,
// narrowed to the one-shot Provider contract (no streaming, no tool-call
// bookkeeping — planning and parameter synthesis never need either).
type FailoverProvider struct {
	providers []Provider
	cfg       FailoverConfig

	mu     sync.Mutex
	states map[string]*circuitState
}

// NewFailoverProvider builds a FailoverProvider trying providers in the
// given order; primary first, then fallbacks.
func NewFailoverProvider(cfg FailoverConfig, providers ...Provider) *FailoverProvider {
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg = DefaultFailoverConfig()
	}
	return &FailoverProvider{
		providers: providers,
		cfg:       cfg,
		states:    make(map[string]*circuitState),
	}
}

func (f *FailoverProvider) Name() string { return "failover" }

func (f *FailoverProvider) SupportsJSONMode() bool {
	for _, p := range f.providers {
		if !p.SupportsJSONMode() {
			return false
		}
	}
	return len(f.providers) > 0
}

func (f *FailoverProvider) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for _, p := range f.ordered(req.Model) {
		state := f.stateFor(p.Name())
		if !state.available(f.cfg) {
			continue
		}

		resp, err := p.Complete(ctx, req)
		if err == nil {
			f.recordSuccess(p.Name())
			return resp, nil
		}
		lastErr = fmt.Errorf("%s: %w", p.Name(), err)
		f.recordFailure(p.Name())
	}
	if lastErr == nil {
		return Response{}, ErrProviderUnavailable
	}
	return Response{}, fmt.Errorf("llm: all providers failed: %w", lastErr)
}

// ordered returns the provider list with the one named by the model's
// provider prefix (e.g. "anthropic/..." -> the "anthropic" provider) moved
// to the front, so an explicit prefix routes there before any fallback.
func (f *FailoverProvider) ordered(model string) []Provider {
	idx := strings.Index(model, "/")
	if idx <= 0 {
		return f.providers
	}
	prefix := model[:idx]
	for i, p := range f.providers {
		if p.Name() == prefix && i > 0 {
			out := make([]Provider, 0, len(f.providers))
			out = append(out, p)
			out = append(out, f.providers[:i]...)
			out = append(out, f.providers[i+1:]...)
			return out
		}
	}
	return f.providers
}

func (f *FailoverProvider) stateFor(name string) *circuitState {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[name]
	if !ok {
		s = &circuitState{}
		f.states[name] = s
	}
	return s
}

func (f *FailoverProvider) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[name]; ok {
		s.failures = 0
		s.circuitOpen = false
	}
}

func (f *FailoverProvider) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[name]
	if s == nil {
		s = &circuitState{}
		f.states[name] = s
	}
	s.failures++
	if s.failures >= f.cfg.CircuitBreakerThreshold {
		s.circuitOpen = true
		s.circuitOpenAt = time.Now()
	}
}
