// Package queue is a Redis backed delayed retry queue with a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/resilience"
)

// Task is a unit of deferred work.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Key         string          `json:"key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

const defaultMaxAttempts = 8

// keys derives the Redis keys used for one task kind.
type keys struct {
	prefix string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix
}

func (k keys) ready(kind string) string      { return fmt.Sprintf("%s:%s:ready", k.base(), kind) }
func (k keys) processing(kind string) string { return fmt.Sprintf("%s:%s:processing", k.base(), kind) }
func (k keys) dlq(kind string) string        { return fmt.Sprintf("%s:%s:dlq", k.base(), kind) }
func (k keys) dedup(kind, key string) string { return fmt.Sprintf("%s:%s:dedup:%s", k.base(), kind, key) }

func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Enqueuer schedules tasks.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
	Now      func() time.Time
}

// Enqueue schedules t to run after delay. Tasks sharing a non-empty Key are enqueued once until the first one
// is acknowledged or dead-lettered.
func (e Enqueuer) Enqueue(ctx context.Context, t Task, delay time.Duration) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	if !validKind(t.Kind) {
		return fmt.Errorf("queue: invalid task kind %q", t.Kind)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	k := keys{prefix: e.Prefix}
	if t.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(t.Kind, t.Key), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup: %w", err)
		}
		if !ok {
			return nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaultMaxAttempts
	}
	t.EnqueuedAt = now().UTC()
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("queue: encode task: %w", err)
	}
	return e.R.ZAdd(ctx, k.ready(t.Kind), redis.Z{Score: score(now().Add(delay)), Member: string(raw)}).Err()
}

// claimScript moves the earliest due member from the ready set to the processing set.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
  return false
end
redis.call('ZREM', KEYS[1], due[1])
redis.call('ZADD', KEYS[2], ARGV[2], due[1])
return due[1]
`)

// requeueScript returns members whose visibility deadline passed to the ready set.
var requeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(expired) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('ZADD', KEYS[2], ARGV[1], member)
end
return #expired
`)

// retryScript reschedules a claimed member. The new member is written before the claimed one is removed, so an
// error leaves the claim in the processing set for RequeueExpired. Returns 0 when the claim is no longer held.
// KEYS: processing zset, ready zset. ARGV: claimed member, due score, rescheduled member.
var retryScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// deadLetterScript moves a claimed member onto the dead-letter list with the same ordering as retryScript.
// KEYS: processing zset, dlq list. ARGV: claimed member, dead-lettered member.
var deadLetterScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// Worker consumes tasks of one kind.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	RetryBase         time.Duration
	RetryJitter       float64
	Handler           func(context.Context, Task) error
	Metrics           *Metrics
	Logger            zerolog.Logger
	Now               func() time.Time
}

func (w Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Worker) validate() error {
	switch {
	case w.R == nil:
		return errors.New("queue: worker redis client not configured")
	case w.Handler == nil:
		return errors.New("queue: worker handler not configured")
	case !validKind(w.Kind):
		return fmt.Errorf("queue: invalid worker kind %q", w.Kind)
	}
	return nil
}

// Run processes tasks until ctx is cancelled. In-flight tasks finish before Run returns.
func (w Worker) Run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.RequeueExpired(ctx); err != nil && ctx.Err() == nil {
			w.Logger.Warn().Err(err).Str("kind", w.Kind).Msg("queue requeue failed")
		}
		task, raw, err := w.claim(ctx)
		if err != nil || raw == "" {
			if err != nil && ctx.Err() == nil {
				w.Logger.Warn().Err(err).Str("kind", w.Kind).Msg("queue claim failed")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(poll):
			}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, task, raw)
		}()
	}
}

// ProcessOne claims and runs at most one due task. It reports whether a task was found.
func (w Worker) ProcessOne(ctx context.Context) (bool, error) {
	if err := w.validate(); err != nil {
		return false, err
	}
	task, raw, err := w.claim(ctx)
	if err != nil || raw == "" {
		return false, err
	}
	w.process(ctx, task, raw)
	return true, nil
}

func (w Worker) claim(ctx context.Context) (Task, string, error) {
	k := keys{prefix: w.Prefix}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	now := w.now()
	res, err := claimScript.Run(ctx, w.R, []string{k.ready(w.Kind), k.processing(w.Kind)},
		score(now), score(now.Add(visibility))).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, "", nil
	}
	if err != nil {
		return Task{}, "", err
	}
	raw, ok := res.(string)
	if !ok || raw == "" {
		return Task{}, "", nil
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// unreadable members would be redelivered forever
		_ = w.R.ZRem(ctx, k.processing(w.Kind), raw).Err()
		return Task{}, "", fmt.Errorf("queue: decode task: %w", err)
	}
	return task, raw, nil
}

// RequeueExpired returns tasks whose worker died mid-flight to the ready set.
func (w Worker) RequeueExpired(ctx context.Context) error {
	k := keys{prefix: w.Prefix}
	return requeueScript.Run(ctx, w.R, []string{k.processing(w.Kind), k.ready(w.Kind)}, score(w.now())).Err()
}

func (w Worker) process(ctx context.Context, task Task, raw string) {
	k := keys{prefix: w.Prefix}
	// bookkeeping must land even when the run context is cancelled mid-task
	bg := context.WithoutCancel(ctx)
	task.Attempt++
	log := w.Logger.With().Str("kind", w.Kind).Str("task_id", task.ID).Int("attempt", task.Attempt).Logger()
	err := w.run(ctx, task)
	if err == nil {
		if rmErr := w.R.ZRem(bg, k.processing(w.Kind), raw).Err(); rmErr != nil {
			log.Warn().Err(rmErr).Msg("queue ack failed, task will be redelivered")
		}
		w.observe("succeeded")
		w.release(bg, task)
		return
	}

	task.LastError = err.Error()
	encoded, encErr := json.Marshal(task)
	if encErr != nil {
		log.Error().Err(encErr).AnErr("task_error", err).Msg("queue task encode failed, left for redelivery")
		return
	}
	if task.Attempt >= task.MaxAttempts {
		moved, mvErr := deadLetterScript.Run(bg, w.R, []string{k.processing(w.Kind), k.dlq(w.Kind)},
			raw, string(encoded)).Int()
		if !w.settled(log, moved, mvErr, "dead-letter") {
			return
		}
		w.observe("dead_lettered")
		w.release(bg, task)
		log.Error().Err(err).Msg("queue task dead-lettered")
		return
	}
	delay := resilience.Backoff(w.RetryBase, task.Attempt, w.RetryJitter)
	moved, mvErr := retryScript.Run(bg, w.R, []string{k.processing(w.Kind), k.ready(w.Kind)},
		raw, score(w.now().Add(delay)), string(encoded)).Int()
	if !w.settled(log, moved, mvErr, "retry") {
		return
	}
	w.observe("retried")
	log.Warn().Err(err).Dur("retry_in", delay).Msg("queue task failed")
}

// settled reports whether a retry or dead-letter move applied. Otherwise the claim stays in the processing set
// and RequeueExpired hands it out again once its visibility deadline passes.
func (w Worker) settled(log zerolog.Logger, moved int, err error, step string) bool {
	if err != nil || moved == 0 {
		w.observe("stalled")
	}
	if err != nil {
		log.Error().Err(err).Str("step", step).Msg("queue task move failed, left for redelivery")
		return false
	}
	if moved == 0 {
		log.Warn().Str("step", step).Msg("queue task claim expired before it settled")
		return false
	}
	return true
}

func (w Worker) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: handler panic: %v", rec)
		}
	}()
	return w.Handler(ctx, task)
}

func (w Worker) release(ctx context.Context, task Task) {
	if task.Key == "" {
		return
	}
	_ = w.R.Del(ctx, keys{prefix: w.Prefix}.dedup(w.Kind, task.Key)).Err()
}

func (w Worker) observe(status string) {
	if w.Metrics == nil {
		return
	}
	w.Metrics.Processed.WithLabelValues(w.Kind, status).Inc()
}
