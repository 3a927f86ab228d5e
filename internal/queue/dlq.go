package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DLQ reads and replays dead-lettered tasks.
type DLQ struct {
	R       *redis.Client
	Prefix  string
	Metrics *Metrics
}

// List returns up to limit dead tasks of kind, most recent first.
func (d DLQ) List(ctx context.Context, kind string, limit int) ([]Task, error) {
	if d.R == nil {
		return nil, errors.New("queue: redis client not configured")
	}
	if !validKind(kind) {
		return nil, fmt.Errorf("queue: invalid task kind %q", kind)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	raws, err := d.R.LRange(ctx, keys{prefix: d.Prefix}.dlq(kind), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Size returns the number of dead tasks of kind and refreshes the size gauge.
func (d DLQ) Size(ctx context.Context, kind string) (int64, error) {
	if d.R == nil {
		return 0, errors.New("queue: redis client not configured")
	}
	n, err := d.R.LLen(ctx, keys{prefix: d.Prefix}.dlq(kind)).Result()
	if err != nil {
		return 0, err
	}
	if d.Metrics != nil {
		d.Metrics.DLQSize.WithLabelValues(kind).Set(float64(n))
	}
	return n, nil
}

// Replay moves up to count of the oldest dead tasks back to the ready set with a fresh attempt budget.
func (d DLQ) Replay(ctx context.Context, kind string, count int) (int, error) {
	if d.R == nil {
		return 0, errors.New("queue: redis client not configured")
	}
	if !validKind(kind) {
		return 0, fmt.Errorf("queue: invalid task kind %q", kind)
	}
	if count <= 0 {
		count = 1
	}
	k := keys{prefix: d.Prefix}
	replayed := 0
	for replayed < count {
		raw, err := d.R.RPop(ctx, k.dlq(kind)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return replayed, err
		}
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		t.Attempt = 0
		t.LastError = ""
		encoded, err := json.Marshal(t)
		if err != nil {
			continue
		}
		if err := d.R.ZAdd(ctx, k.ready(kind), redis.Z{Score: score(time.Now()), Member: string(encoded)}).Err(); err != nil {
			// put it back so the task is not lost
			_ = d.R.RPush(ctx, k.dlq(kind), raw).Err()
			return replayed, err
		}
		replayed++
	}
	_, _ = d.Size(ctx, kind)
	return replayed, nil
}
