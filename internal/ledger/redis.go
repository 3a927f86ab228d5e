package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each record in a hash and keeps an index sorted set scored by creation time.
type Redis struct {
	Client *redis.Client
	Prefix string
	Lease  time.Duration
	Now    func() time.Time
}

// beginScript returns "claimed" when the caller owns the event, otherwise the blocking status.
// KEYS: record hash, index zset. ARGV: event id, event type, now (ms), lease (ms).
var beginScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  redis.call("HSET", KEYS[1], "event_id", ARGV[1], "event_type", ARGV[2], "status", "pending",
    "retry_count", 0, "created_at", ARGV[3], "updated_at", ARGV[3])
  redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
  return "claimed"
end
local updated = tonumber(redis.call("HGET", KEYS[1], "updated_at") or "0")
if status == "failed" or (status == "pending" and updated < tonumber(ARGV[3]) - tonumber(ARGV[4])) then
  redis.call("HINCRBY", KEYS[1], "retry_count", 1)
  redis.call("HSET", KEYS[1], "status", "pending", "updated_at", ARGV[3])
  redis.call("HDEL", KEYS[1], "error_message")
  return "claimed"
end
return status
`)

// commitScript returns 0 when the record does not exist and -1 when attempt no longer holds the claim.
// KEYS: record hash. ARGV: status, now (ms), error message ("" clears it), attempt.
var commitScript = redis.NewScript(`
local current = redis.call("HMGET", KEYS[1], "status", "retry_count")
if not current[1] then
  return 0
end
if current[1] ~= "pending" or tonumber(current[2] or "0") ~= tonumber(ARGV[4]) then
  return -1
end
redis.call("HSET", KEYS[1], "status", ARGV[1], "processed_at", ARGV[2], "updated_at", ARGV[2])
if ARGV[3] == "" then
  redis.call("HDEL", KEYS[1], "error_message")
else
  redis.call("HSET", KEYS[1], "error_message", ARGV[3])
end
return 1
`)

func (r Redis) prefix() string {
	if r.Prefix == "" {
		return "ledger:"
	}
	return r.Prefix
}

func (r Redis) recordKey(eventID string) string { return r.prefix() + "event:" + eventID }

func (r Redis) indexKey() string { return r.prefix() + "index" }

// Lookup returns the record stored for eventID.
func (r Redis) Lookup(ctx context.Context, eventID string) (Record, error) {
	values, err := r.Client.HGetAll(ctx, r.recordKey(eventID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("ledger lookup: %w", err)
	}
	if len(values) == 0 {
		return Record{}, ErrNotFound
	}
	return decodeHash(values)
}

// Begin claims eventID through a single script execution.
func (r Redis) Begin(ctx context.Context, eventID, eventType string) (Record, error) {
	now := nowFunc(r.Now)()
	res, err := beginScript.Run(ctx, r.Client,
		[]string{r.recordKey(eventID), r.indexKey()},
		eventID, eventType, now.UnixMilli(), leaseOrDefault(r.Lease).Milliseconds(),
	).Text()
	if err != nil {
		return Record{}, fmt.Errorf("ledger begin: %w", err)
	}
	rec, err := r.Lookup(ctx, eventID)
	if err != nil {
		return Record{}, err
	}
	if res == "claimed" {
		return rec, nil
	}
	return rec, claimBlocked(Status(res))
}

// Commit finalises attempt for eventID.
func (r Redis) Commit(ctx context.Context, eventID string, attempt int, outcome Outcome) (Record, error) {
	if err := validateOutcome(outcome); err != nil {
		return Record{}, err
	}
	errMsg := ""
	if outcome.Status == StatusFailed {
		errMsg = outcome.Error
		if errMsg == "" {
			errMsg = "unknown error"
		}
	}
	now := nowFunc(r.Now)()
	updated, err := commitScript.Run(ctx, r.Client, []string{r.recordKey(eventID)},
		string(outcome.Status), now.UnixMilli(), errMsg, attempt).Int()
	if err != nil {
		return Record{}, fmt.Errorf("ledger commit: %w", err)
	}
	switch updated {
	case 0:
		return Record{}, ErrNotFound
	case -1:
		rec, err := r.Lookup(ctx, eventID)
		if err != nil {
			return Record{}, err
		}
		return rec, ErrClaimLost
	}
	return r.Lookup(ctx, eventID)
}

// List walks the index newest first, reading records in pages until the filter is satisfied.
func (r Redis) List(ctx context.Context, filter Filter) ([]Record, error) {
	limit := filter.limit()
	page := int64(limit)
	if page < 100 {
		page = 100
	}
	var out []Record
	for start := int64(0); len(out) < limit; start += page {
		ids, err := r.Client.ZRevRange(ctx, r.indexKey(), start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("ledger list: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		pipe := r.Client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.recordKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("ledger list: %w", err)
		}
		for _, cmd := range cmds {
			values := cmd.Val()
			if len(values) == 0 {
				continue
			}
			rec, err := decodeHash(values)
			if err != nil {
				return nil, err
			}
			if filter.Status != "" && rec.Status != filter.Status {
				continue
			}
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func decodeHash(values map[string]string) (Record, error) {
	rec := Record{
		EventID:   values["event_id"],
		EventType: values["event_type"],
		Status:    Status(values["status"]),
	}
	if raw := values["retry_count"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Record{}, fmt.Errorf("ledger decode retry_count: %w", err)
		}
		rec.RetryCount = n
	}
	var err error
	if rec.CreatedAt, err = parseMillis(values["created_at"]); err != nil {
		return Record{}, err
	}
	if rec.UpdatedAt, err = parseMillis(values["updated_at"]); err != nil {
		return Record{}, err
	}
	if raw := values["processed_at"]; raw != "" {
		ts, err := parseMillis(raw)
		if err != nil {
			return Record{}, err
		}
		rec.ProcessedAt = &ts
	}
	if msg, ok := values["error_message"]; ok {
		rec.ErrorMessage = &msg
	}
	return rec, nil
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger decode timestamp: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}
