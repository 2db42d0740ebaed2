// Package llm defines the one-shot completion contract the Task Planner and
// Plan Executor use, plus the concrete provider adapters that implement it.
//
// Unlike internal/agent's streaming agent.LLMProvider (token-by-token chat
// completions for an interactive assistant), every call this system makes is
// a single request/response round trip with the model constrained to emit a
// JSON object: the planning prompt and the per-subtask parameter-synthesis
// prompt (spec §4.5/§4.6). Provider is the narrowed interface that shape
// calls for; JSON validity is the caller's responsibility rather than the
// provider's: the planner fails planning on invalid JSON, and the executor
// retries parameter synthesis.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrProviderUnavailable is returned when a provider's circuit is open or it
// otherwise refuses to accept a request without attempting one.
var ErrProviderUnavailable = errors.New("llm: provider unavailable")

// Message is one turn of a completion request.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Request is a single completion request.
type Request struct {
	Model       string
	Messages    []Message
	JSONMode    bool // require the model to emit a single JSON object
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Response is a single completion response.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is implemented by each concrete LLM backend.
type Provider interface {
	// Complete performs one blocking request/response call.
	Complete(ctx context.Context, req Request) (Response, error)

	// Name identifies the provider for logging and circuit-breaker state.
	Name() string

	// SupportsJSONMode reports whether the provider can natively constrain
	// output to a JSON object; when false, callers must rely on prompt
	// instructions and their own validation/retry loop.
	SupportsJSONMode() bool
}

// DefaultTimeout is applied to a Request with no Timeout set, matching
// spec §5's ~120s default LLM call bound.
const DefaultTimeout = 120 * time.Second

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
