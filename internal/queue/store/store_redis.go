package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"switchboard/internal/queue"
	"switchboard/internal/queue/models"
	"switchboard/pkg/platform/sentinel"
)

var _ queue.Store = (*RedisStore)(nil)

const defaultKeyPrefix = "switchboard:queue"

// batch bounds how many ids one maintenance script touches per call.
const batch = 100

// claimScript moves due delayed jobs to the waiting list, then pops the
// oldest waiting job and leases it.
//
// KEYS: waiting, delayed, active
// ARGV: now_ms, lease_ms, job key prefix
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, ` + strconv.Itoa(batch) + `)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
  redis.call('LPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then return false end
  local key = ARGV[3] .. id
  if redis.call('EXISTS', key) == 1 then
    local deadline = now + tonumber(ARGV[2])
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'active', 'started_at', now, 'lease_until', deadline)
    redis.call('ZADD', KEYS[3], deadline, id)
    return redis.call('HGETALL', key)
  end
end
`)

// settleScript moves a held job out of active into its next state. The
// job is held when it is still active and its attempt count matches the
// claim.
//
// KEYS: active, target set
// ARGV: job key, id, attempts, state, score, last_error, finished_at, run_at
var settleScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return 0 end
if redis.call('HGET', ARGV[1], 'attempts') ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HSET', ARGV[1], 'state', ARGV[4], 'last_error', ARGV[6], 'lease_until', 0)
if ARGV[7] ~= '0' then redis.call('HSET', ARGV[1], 'finished_at', ARGV[7]) end
if ARGV[8] ~= '0' then redis.call('HSET', ARGV[1], 'run_at', ARGV[8]) end
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[2])
return 1
`)

// reapScript requeues expired leases, failing jobs that used every attempt.
//
// KEYS: active, waiting, failed
// ARGV: now_ms, job key prefix, last_error
var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ` + strconv.Itoa(batch) + `)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
  local max = tonumber(redis.call('HGET', key, 'max_attempts') or '0')
  if attempts >= max then
    redis.call('HSET', key, 'state', 'failed', 'last_error', ARGV[3], 'finished_at', ARGV[1], 'lease_until', 0)
    redis.call('ZADD', KEYS[3], ARGV[1], id)
  else
    redis.call('HSET', key, 'state', 'waiting', 'last_error', ARGV[3], 'lease_until', 0)
    redis.call('LPUSH', KEYS[2], id)
  end
end
return #expired
`)

// pruneScript drops settled jobs past retention.
//
// KEYS: completed, failed
// ARGV: completed cutoff ms, completed max count, failed cutoff ms, job key prefix
var pruneScript = redis.NewScript(`
local removed = 0
local function drop(set, ids)
  for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[4] .. id)
    redis.call('ZREM', set, id)
    removed = removed + 1
  end
end
drop(KEYS[1], redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1]))
local over = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[2])
if over > 0 then
  drop(KEYS[1], redis.call('ZRANGE', KEYS[1], 0, over - 1))
end
drop(KEYS[2], redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[3]))
return removed
`)

// RedisStore is the production broker. Job records are hashes; the waiting
// state is a list and every other state a sorted set, so each transition
// is one Lua script and claims are atomic across processes.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention Retention
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRetention overrides the retention policy.
func WithRetention(r Retention) RedisOption {
	return func(s *RedisStore) { s.retention = r }
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix, retention: DefaultRetention()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) jobKeyPrefix() string { return s.prefix + ":job:" }
func (s *RedisStore) jobKey(id string) string { return s.jobKeyPrefix() + id }
func (s *RedisStore) setKey(state models.State) string { return s.prefix + ":" + string(state) }

func (s *RedisStore) Add(ctx context.Context, job *models.Job) error {
	key := s.jobKey(job.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodeJob(job))
		if job.State == models.StateDelayed {
			pipe.ZAdd(ctx, s.setKey(models.StateDelayed), redis.Z{Score: float64(millis(job.RunAt)), Member: job.ID})
		} else {
			pipe.LPush(ctx, s.setKey(models.StateWaiting), job.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time, lease time.Duration) (*models.Job, error) {
	keys := []string{s.setKey(models.StateWaiting), s.setKey(models.StateDelayed), s.setKey(models.StateActive)}
	res, err := claimScript.Run(ctx, s.client, keys, millis(now), lease.Milliseconds(), s.jobKeyPrefix()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return decodeJob(fields)
}

func (s *RedisStore) settle(ctx context.Context, claim *models.Job, state models.State, score time.Time, lastErr string, finishedAt, runAt time.Time) error {
	keys := []string{s.setKey(models.StateActive), s.setKey(state)}
	held, err := settleScript.Run(ctx, s.client, keys,
		s.jobKey(claim.ID), claim.ID, claim.Attempts, string(state), millis(score), lastErr, millis(finishedAt), millis(runAt),
	).Int()
	if err != nil {
		return fmt.Errorf("settle job %s: %w", claim.ID, err)
	}
	if held == 0 {
		return fmt.Errorf("job %s no longer held by attempt %d: %w", claim.ID, claim.Attempts, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, claim *models.Job, now time.Time) error {
	return s.settle(ctx, claim, models.StateCompleted, now, claim.LastError, now, time.Time{})
}

func (s *RedisStore) Retry(ctx context.Context, claim *models.Job, runAt time.Time, lastErr string) error {
	return s.settle(ctx, claim, models.StateDelayed, runAt, lastErr, time.Time{}, runAt)
}

func (s *RedisStore) Fail(ctx context.Context, claim *models.Job, now time.Time, lastErr string) error {
	return s.settle(ctx, claim, models.StateFailed, now, lastErr, now, time.Time{})
}

func (s *RedisStore) Reap(ctx context.Context, now time.Time) (int, error) {
	keys := []string{s.setKey(models.StateActive), s.setKey(models.StateWaiting), s.setKey(models.StateFailed)}
	n, err := reapScript.Run(ctx, s.client, keys, millis(now), s.jobKeyPrefix(), leaseExpiredError).Int()
	if err != nil {
		return 0, fmt.Errorf("reap jobs: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Prune(ctx context.Context, now time.Time) (int, error) {
	keys := []string{s.setKey(models.StateCompleted), s.setKey(models.StateFailed)}
	n, err := pruneScript.Run(ctx, s.client, keys,
		millis(now.Add(-s.retention.CompletedAge)), s.retention.CompletedCount,
		millis(now.Add(-s.retention.FailedAge)), s.jobKeyPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx context.Context) (models.Stats, error) {
	var waiting, delayed, active, completed, failed *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, s.setKey(models.StateWaiting))
		delayed = pipe.ZCard(ctx, s.setKey(models.StateDelayed))
		active = pipe.ZCard(ctx, s.setKey(models.StateActive))
		completed = pipe.ZCard(ctx, s.setKey(models.StateCompleted))
		failed = pipe.ZCard(ctx, s.setKey(models.StateFailed))
		return nil
	})
	if err != nil {
		return models.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return models.Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// List returns jobs in state, newest first.
func (s *RedisStore) List(ctx context.Context, state models.State, limit int) ([]models.Job, error) {
	stop := int64(clampLimit(limit) - 1)
	var ids []string
	var err error
	if state == models.StateWaiting {
		ids, err = s.client.LRange(ctx, s.setKey(state), 0, stop).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, s.setKey(state), 0, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", state, err)
	}
	if len(ids) == 0 {
		return []models.Job{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", state, err)
	}

	out := make([]models.Job, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, sentinel.ErrNotFound)
	}
	return decodeJob(fields)
}

func encodeJob(job *models.Job) map[string]any {
	return map[string]any{
		"id":           job.ID,
		"name":         job.Name,
		"payload":      string(job.Payload),
		"state":        string(job.State),
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"last_error":   job.LastError,
		"created_at":   millis(job.CreatedAt),
		"run_at":       millis(job.RunAt),
		"started_at":   millis(job.StartedAt),
		"finished_at":  millis(job.FinishedAt),
		"lease_until":  millis(job.LeaseUntil),
	}
}

func decodeJob(f map[string]string) (*models.Job, error) {
	state, err := models.ParseState(f["state"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s: %w", f["id"], err)
	}
	attempts, _ := strconv.Atoi(f["attempts"])
	maxAttempts, _ := strconv.Atoi(f["max_attempts"])
	return &models.Job{
		ID:          f["id"],
		Name:        f["name"],
		Payload:     []byte(f["payload"]),
		State:       state,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   f["last_error"],
		CreatedAt:   fromMillis(f["created_at"]),
		RunAt:       fromMillis(f["run_at"]),
		StartedAt:   fromMillis(f["started_at"]),
		FinishedAt:  fromMillis(f["finished_at"]),
		LeaseUntil:  fromMillis(f["lease_until"]),
	}, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
