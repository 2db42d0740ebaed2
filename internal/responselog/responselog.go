// Package responselog implements the Response Log: an append-only ordered
// sequence of response events per run, with a pub/sub "new-event" signal
// and a per-run control channel, backed by Redis.
//
// The append-then-notify contract and the atomic per-run sequence counter
// are adapted from internal/agent/event_emitter.go's EventEmitter, whose
// sync/atomic sequence field is the direct model for this package's
// monotonic indexing (here the list length itself is authoritative, since
// Redis RPUSH already serializes appends per key).
package responselog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgehq/agentrun/pkg/models"
)

// Control channel payloads, bit-exact per the external interface contract.
const (
	ControlStop       = "STOP"
	ControlEndStream  = "END_STREAM"
	ControlError      = "ERROR"
	NewResponseToken  = "new"
)

// RetentionAfterTerminal is T_log from the spec: how long a run's response
// list and control channel survive after it reaches a terminal status.
const RetentionAfterTerminal = 24 * time.Hour

func keyResponses(runID string) string   { return fmt.Sprintf("agent_run:%s:responses", runID) }
func keyNewResponse(runID string) string { return fmt.Sprintf("agent_run:%s:new_response", runID) }
func keyControl(runID string) string     { return fmt.Sprintf("agent_run:%s:control", runID) }
func keyControlInstance(runID, instance string) string {
	return fmt.Sprintf("agent_run:%s:control:%s", runID, instance)
}

// PubSub is a subscription to one or more Redis pub/sub channels.
type PubSub interface {
	Channel() <-chan string
	Close() error
}

// redisClient is the subset of *redis.Client this package depends on.
type redisClient interface {
	RPush(ctx context.Context, key string, value string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Publish(ctx context.Context, channel string, message string) (int64, error)
	Subscribe(ctx context.Context, channels ...string) PubSub
}

// Log is the Response Log for all runs on this process; state lives in
// Redis, so any number of processes can share one Log.
type Log struct {
	rdb redisClient
}

// New constructs a Log over the given Redis client.
func New(rdb redisClient) *Log {
	return &Log{rdb: rdb}
}

// Append appends event to run's response list and returns its zero-based
// sequence index. It does not notify subscribers; callers must call
// Notify separately (the append-then-notify contract is intentional: at
// least-once notification is acceptable because subscribers re-read by
// index, per spec §4.2).
func (l *Log) Append(ctx context.Context, runID string, event models.ResponseEvent) (int64, error) {
	line, err := event.MarshalLine()
	if err != nil {
		return 0, fmt.Errorf("responselog: marshal event: %w", err)
	}
	n, err := l.rdb.RPush(ctx, keyResponses(runID), string(line))
	if err != nil {
		return 0, fmt.Errorf("responselog: append: %w", err)
	}
	return n - 1, nil
}

// Notify publishes the "new" token on the run's new-event channel.
func (l *Log) Notify(ctx context.Context, runID string) error {
	if _, err := l.rdb.Publish(ctx, keyNewResponse(runID), NewResponseToken); err != nil {
		return fmt.Errorf("responselog: notify: %w", err)
	}
	return nil
}

// ReadRange reads events [from, to) from the run's response list. to<0
// means "through the end". This is the authoritative replay source for
// late joiners: a subscriber that reads from index 0 after any append
// observes that event, since RPUSH is immediately visible to subsequent
// LRANGE calls on the same key.
func (l *Log) ReadRange(ctx context.Context, runID string, from, to int64) ([]models.ResponseEvent, error) {
	stop := to - 1
	if to < 0 {
		stop = -1
	}
	raw, err := l.rdb.LRange(ctx, keyResponses(runID), from, stop)
	if err != nil {
		return nil, fmt.Errorf("responselog: read range: %w", err)
	}
	events := make([]models.ResponseEvent, 0, len(raw))
	for _, line := range raw {
		var ev models.ResponseEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("responselog: decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Len returns the number of events appended so far.
func (l *Log) Len(ctx context.Context, runID string) (int64, error) {
	n, err := l.rdb.LLen(ctx, keyResponses(runID))
	if err != nil {
		return 0, fmt.Errorf("responselog: len: %w", err)
	}
	return n, nil
}

// SubscribeEvents subscribes to the run's new-event channel.
func (l *Log) SubscribeEvents(ctx context.Context, runID string) PubSub {
	return l.rdb.Subscribe(ctx, keyNewResponse(runID))
}

// SubscribeControl subscribes to both the global and instance-targeted
// control channels for a run, matching the Run Coordinator's "stop
// watcher" which listens on both per spec §4.7.
func (l *Log) SubscribeControl(ctx context.Context, runID, instance string) PubSub {
	return l.rdb.Subscribe(ctx, keyControl(runID), keyControlInstance(runID, instance))
}

// PublishControl publishes payload (one of ControlStop/ControlEndStream/
// ControlError) to the run's global control channel.
func (l *Log) PublishControl(ctx context.Context, runID, payload string) error {
	if _, err := l.rdb.Publish(ctx, keyControl(runID), payload); err != nil {
		return fmt.Errorf("responselog: publish control: %w", err)
	}
	return nil
}

// PublishControlToInstance publishes payload to a single instance's
// targeted control channel for a run.
func (l *Log) PublishControlToInstance(ctx context.Context, runID, instance, payload string) error {
	if _, err := l.rdb.Publish(ctx, keyControlInstance(runID, instance), payload); err != nil {
		return fmt.Errorf("responselog: publish instance control: %w", err)
	}
	return nil
}

// SetRetention sets the TTL on the run's response list; the control
// channels are pub/sub only and have no backing key to expire. Called
// once a run reaches a terminal status so disconnected clients can
// reconnect briefly before the log disappears.
func (l *Log) SetRetention(ctx context.Context, runID string, ttl time.Duration) error {
	if _, err := l.rdb.Expire(ctx, keyResponses(runID), ttl); err != nil {
		return fmt.Errorf("responselog: set retention: %w", err)
	}
	return nil
}
