// Package broker implements the task-broker contract the Control Plane
// enqueues background run jobs onto: at-least-once delivery, with retry on
// worker crash via reclaiming jobs left pending past a stale threshold.
//
// Grounded on internal/responselog's narrow redis-client-subset pattern,
// backed by Redis Streams (XADD/XREADGROUP/XACK/XCLAIM) rather than a plain
// list, since a consumer group's pending-entries list is what gives
// "redeliver on crash" for free without a separate heartbeat mechanism.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forgehq/agentrun/pkg/models"
)

// StreamKey is the Redis stream background run jobs are enqueued onto.
const StreamKey = "agent_run:jobs"

// GroupName is the consumer group all worker instances share.
const GroupName = "agent_run_workers"

// StaleAfter is how long a delivered-but-unacked job sits in the pending
// list before another consumer may reclaim it (the crashed-worker case).
const StaleAfter = 2 * time.Minute

// Job is the background-worker entry point payload, bit-exact with the
// task-broker contract's named fields.
type Job struct {
	RunID      string            `json:"run_id"`
	ThreadID   string            `json:"thread_id"`
	InstanceID string            `json:"instance_id"`
	ProjectID  string            `json:"project_id"`
	ModelName  string            `json:"model_name"`
	Options    models.RunOptions `json:"options"`
}

// Delivery wraps one dequeued Job with the means to acknowledge it.
type Delivery struct {
	ID  string
	Job Job
	Ack func(ctx context.Context) error
}

// redisClient is the subset of *redis.Client this package depends on.
type redisClient interface {
	XAdd(ctx context.Context, stream string, values map[string]any) (string, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group string, ids ...string) (int64, error)
	XPendingExt(ctx context.Context, stream, group string, idle time.Duration, count int64) ([]PendingEntry, error)
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error)
}

// StreamMessage is one Redis stream entry.
type StreamMessage struct {
	ID     string
	Values map[string]any
}

// PendingEntry describes one unacked delivery in a consumer group's
// pending-entries list.
type PendingEntry struct {
	ID   string
	Idle time.Duration
}

// Broker enqueues and dequeues background run jobs.
type Broker struct {
	rdb redisClient
}

// New constructs a Broker over rdb, creating the consumer group if it does
// not already exist (BUSYGROUP is tolerated as already-initialized, not an
// error, mirroring the registry's idempotent-register contract).
func New(ctx context.Context, rdb redisClient) (*Broker, error) {
	b := &Broker{rdb: rdb}
	if err := rdb.XGroupCreateMkStream(ctx, StreamKey, GroupName, "0"); err != nil {
		if !isBusyGroup(err) {
			return nil, fmt.Errorf("broker: create consumer group: %w", err)
		}
	}
	return b, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// Enqueue publishes job onto the shared stream for any worker to dequeue.
func (b *Broker) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("broker: marshal job: %w", err)
	}
	if _, err := b.rdb.XAdd(ctx, StreamKey, map[string]any{"job": string(payload)}); err != nil {
		return fmt.Errorf("broker: enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks (up to block duration; 0 blocks indefinitely) waiting for
// the next job delivered to consumer under GroupName. Callers should loop,
// processing and Ack-ing each Delivery; an unacked delivery becomes
// reclaimable via ReclaimStale once StaleAfter has elapsed.
func (b *Broker) Dequeue(ctx context.Context, consumer string, block time.Duration) (*Delivery, error) {
	msgs, err := b.rdb.XReadGroup(ctx, GroupName, consumer, StreamKey, 1, block)
	if err != nil {
		return nil, fmt.Errorf("broker: dequeue: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return b.toDelivery(msgs[0]), nil
}

// ReclaimStale looks for pending entries idle longer than StaleAfter and
// claims them for consumer, implementing "retry on worker crash": a worker
// that dequeued a job and died before Ack leaves it pending, and any live
// consumer's periodic ReclaimStale call picks it back up.
func (b *Broker) ReclaimStale(ctx context.Context, consumer string) ([]Delivery, error) {
	pending, err := b.rdb.XPendingExt(ctx, StreamKey, GroupName, StaleAfter, 100)
	if err != nil {
		return nil, fmt.Errorf("broker: list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= StaleAfter {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := b.rdb.XClaim(ctx, StreamKey, GroupName, consumer, StaleAfter, ids...)
	if err != nil {
		return nil, fmt.Errorf("broker: claim stale: %w", err)
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *b.toDelivery(m))
	}
	return out, nil
}

func (b *Broker) toDelivery(m StreamMessage) *Delivery {
	id := m.ID
	var job Job
	if raw, ok := m.Values["job"].(string); ok {
		_ = json.Unmarshal([]byte(raw), &job)
	}
	return &Delivery{
		ID:  id,
		Job: job,
		Ack: func(ctx context.Context) error {
			_, err := b.rdb.XAck(ctx, StreamKey, GroupName, id)
			if err != nil {
				return fmt.Errorf("broker: ack %s: %w", id, err)
			}
			return nil
		},
	}
}
