package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookingsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// promoteBatch bounds how many due delayed jobs one claim moves to waiting.
const promoteBatch = 100

// enqueueScript inserts a job hash unless the id is still outstanding.
// KEYS: job, waiting, delayed, completed, failed, seq
// ARGV: id, kind, payload, priority, max_attempts, delay_until_ms, now_ms
var enqueueScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'waiting' or status == 'delayed' or status == 'active' then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[5], ARGV[1])
redis.call('DEL', KEYS[1])
local st = 'waiting'
if tonumber(ARGV[6]) > tonumber(ARGV[7]) then
  st = 'delayed'
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'kind', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
  'attempts', '0', 'max_attempts', ARGV[5], 'status', st,
  'delay_until', ARGV[6], 'created_at', ARGV[7], 'updated_at', ARGV[7])
if st == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
  local seq = redis.call('INCR', KEYS[6])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) * 1e12 + seq, ARGV[1])
end
return 1
`)

// claimScript promotes due delayed jobs, then pops the best waiting job into
// the active set and returns its hash.
// KEYS: waiting, delayed, active, seq
// ARGV: job key prefix, now_ms, promote limit
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  local key = ARGV[1] .. id
  local prio = tonumber(redis.call('HGET', key, 'priority') or '0')
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], prio * 1e12 + seq, id)
  redis.call('HSET', key, 'status', 'waiting', 'updated_at', ARGV[2])
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then
  return false
end
local id = head[1]
local key = ARGV[1] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[3], id)
redis.call('HSET', key, 'status', 'active', 'started_at', ARGV[2], 'updated_at', ARGV[2])
return redis.call('HGETALL', key)
`)

// requeueScript moves jobs back to waiting. With ARGV[3] == 'failed' the
// source is the failed set and attempts are reset; otherwise it is the
// active set. A non-empty ARGV[4] skips active jobs started after that
// instant (ms), so only expired leases are taken back.
// KEYS: waiting, source, seq
// ARGV: job key prefix, now_ms, mode, started_before_ms, ids...
var requeueScript = redis.NewScript(`
local moved = 0
for i = 5, #ARGV do
  local id = ARGV[i]
  local key = ARGV[1] .. id
  local status = redis.call('HGET', key, 'status')
  local leased = false
  if status == ARGV[3] and ARGV[4] ~= '' then
    local started = tonumber(redis.call('HGET', key, 'started_at') or '0')
    leased = started > tonumber(ARGV[4])
  end
  if not leased then
    local removed
    if ARGV[3] == 'failed' then
      removed = redis.call('ZREM', KEYS[2], id)
    else
      removed = redis.call('SREM', KEYS[2], id)
    end
    if removed == 1 and status == ARGV[3] then
      local prio = tonumber(redis.call('HGET', key, 'priority') or '0')
      local seq = redis.call('INCR', KEYS[3])
      redis.call('ZADD', KEYS[1], prio * 1e12 + seq, id)
      redis.call('HSET', key, 'status', 'waiting', 'updated_at', ARGV[2], 'delay_until', ARGV[2])
      redis.call('HDEL', key, 'started_at')
      if ARGV[3] == 'failed' then
        redis.call('HSET', key, 'attempts', '0')
        redis.call('HDEL', key, 'last_error', 'finished_at')
      end
      moved = moved + 1
    end
  end
end
return moved
`)

// cleanupScript deletes up to ARGV[3] jobs of one terminal status finished
// before the cutoff.
// KEYS: status set
// ARGV: job key prefix, cutoff_ms, limit, status
var cleanupScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local removed = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', key, 'status') == ARGV[4] then
    redis.call('DEL', key)
    removed = removed + 1
  end
end
return removed
`)

// RedisStore is the durable Store. Layout under the key prefix:
//
//	job:<id>   hash
//	waiting    zset scored by priority band and enqueue sequence
//	delayed    zset scored by delay_until (ms)
//	active     set
//	completed  zset scored by finished_at (ms)
//	failed     zset scored by finished_at (ms)
//	dlq        list of dead-letter records, newest first
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "queue"
	} else {
		prefix += ":queue"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + ":" + name }
func (s *RedisStore) jobPrefix() string      { return s.prefix + ":job:" }
func (s *RedisStore) jobKey(id string) string {
	return s.jobPrefix() + id
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func (s *RedisStore) Add(ctx context.Context, job *models.Job, now time.Time) (*models.Job, bool, error) {
	keys := []string{
		s.jobKey(job.ID), s.key("waiting"), s.key("delayed"),
		s.key("completed"), s.key("failed"), s.key("seq"),
	}
	res, err := enqueueScript.Run(ctx, s.client, keys,
		job.ID, string(job.Kind), string(job.Payload), job.Priority, job.MaxAttempts,
		millis(job.DelayUntil), millis(now),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	stored, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, res == 1, nil
}

func (s *RedisStore) Claim(ctx context.Context, now time.Time) (*models.Job, error) {
	keys := []string{s.key("waiting"), s.key("delayed"), s.key("active"), s.key("seq")}
	res, err := claimScript.Run(ctx, s.client, keys, s.jobPrefix(), millis(now), promoteBatch).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return decodeJobHash(fields)
}

func (s *RedisStore) Complete(ctx context.Context, job *models.Job, now time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key("active"), job.ID)
		pipe.ZAdd(ctx, s.key("completed"), redis.Z{Score: float64(millis(now)), Member: job.ID})
		pipe.HSet(ctx, s.jobKey(job.ID),
			"status", string(models.JobCompleted),
			"attempts", job.AttemptsMade,
			"finished_at", millis(now),
			"updated_at", millis(now),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Retry(ctx context.Context, job *models.Job, delayUntil time.Time, cause string, now time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key("active"), job.ID)
		pipe.ZAdd(ctx, s.key("delayed"), redis.Z{Score: float64(millis(delayUntil)), Member: job.ID})
		pipe.HSet(ctx, s.jobKey(job.ID),
			"status", string(models.JobDelayed),
			"attempts", job.AttemptsMade,
			"last_error", cause,
			"delay_until", millis(delayUntil),
			"updated_at", millis(now),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Bury(ctx context.Context, job *models.Job, record models.DeadLetterRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	failedAt := millis(record.FailedAt)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.key("active"), job.ID)
		pipe.ZAdd(ctx, s.key("failed"), redis.Z{Score: float64(failedAt), Member: job.ID})
		pipe.HSet(ctx, s.jobKey(job.ID),
			"status", string(models.JobFailed),
			"attempts", job.AttemptsMade,
			"last_error", record.Error,
			"finished_at", failedAt,
			"updated_at", failedAt,
		)
		pipe.LPush(ctx, s.key("dlq"), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, job *models.Job, now time.Time) error {
	_, err := s.requeue(ctx, s.key("active"), string(models.JobActive), now, "", []string{job.ID})
	return err
}

func (s *RedisStore) requeue(ctx context.Context, source, mode string, now time.Time, startedBefore string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+4)
	args = append(args, s.jobPrefix(), millis(now), mode, startedBefore)
	for _, id := range ids {
		args = append(args, id)
	}
	n, err := requeueScript.Run(ctx, s.client, []string{s.key("waiting"), source, s.key("seq")}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue %s jobs: %w", mode, err)
	}
	return n, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJobHash(fields)
}

func (s *RedisStore) Stats(ctx context.Context) (models.QueueStats, error) {
	var (
		waiting, delayed, completed, failed *redis.IntCmd
		active, dlq                         *redis.IntCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.ZCard(ctx, s.key("waiting"))
		delayed = pipe.ZCard(ctx, s.key("delayed"))
		active = pipe.SCard(ctx, s.key("active"))
		completed = pipe.ZCard(ctx, s.key("completed"))
		failed = pipe.ZCard(ctx, s.key("failed"))
		dlq = pipe.LLen(ctx, s.key("dlq"))
		return nil
	})
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	st := models.QueueStats{
		Waiting:     waiting.Val(),
		Delayed:     delayed.Val(),
		Active:      active.Val(),
		Completed:   completed.Val(),
		Failed:      failed.Val(),
		DeadLetters: dlq.Val(),
	}
	st.Total = st.Waiting + st.Delayed + st.Active + st.Completed + st.Failed
	return st, nil
}

func (s *RedisStore) RetryFailed(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, s.key("failed"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}
	return s.requeue(ctx, s.key("failed"), string(models.JobFailed), now, "", ids)
}

func (s *RedisStore) Cleanup(ctx context.Context, status models.JobStatus, cutoff time.Time, limit int) (int, error) {
	if err := cleanableStatus(status); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 1000
	}
	n, err := cleanupScript.Run(ctx, s.client, []string{s.key(string(status))},
		s.jobPrefix(), millis(cutoff), limit, string(status)).Int()
	if err != nil {
		return 0, fmt.Errorf("cleanup %s jobs: %w", status, err)
	}
	return n, nil
}

func (s *RedisStore) DeadLetters(ctx context.Context, offset, limit int64) ([]models.DeadLetterRecord, error) {
	if offset < 0 {
		offset = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}
	raw, err := s.client.LRange(ctx, s.key("dlq"), offset, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]models.DeadLetterRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.DeadLetterRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// CleanupDeadLetters trims expired records from the tail, where the oldest
// entries live.
func (s *RedisStore) CleanupDeadLetters(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	for {
		raw, err := s.client.LIndex(ctx, s.key("dlq"), -1).Result()
		if errors.Is(err, redis.Nil) {
			return removed, nil
		}
		if err != nil {
			return removed, fmt.Errorf("peek dead letter: %w", err)
		}
		var rec models.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err == nil && !rec.FailedAt.Before(cutoff) {
			return removed, nil
		}
		if err := s.client.RPop(ctx, s.key("dlq")).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return removed, fmt.Errorf("trim dead letter: %w", err)
		}
		removed++
	}
}

func (s *RedisStore) RecoverActive(ctx context.Context, now, startedBefore time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.key("active")).Result()
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	return s.requeue(ctx, s.key("active"), string(models.JobActive), now, strconv.FormatInt(millis(startedBefore), 10), ids)
}

func decodeJobHash(f map[string]string) (*models.Job, error) {
	if f["id"] == "" {
		return nil, fmt.Errorf("job hash without id")
	}
	status, err := models.ParseJobStatus(f["status"])
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		ID:           f["id"],
		Kind:         models.JobKind(f["kind"]),
		Payload:      json.RawMessage(f["payload"]),
		Priority:     atoi(f["priority"]),
		AttemptsMade: atoi(f["attempts"]),
		MaxAttempts:  atoi(f["max_attempts"]),
		DelayUntil:   fromMillis(f["delay_until"]),
		Status:       status,
		LastError:    f["last_error"],
		CreatedAt:    fromMillis(f["created_at"]),
		UpdatedAt:    fromMillis(f["updated_at"]),
	}
	if v := f["started_at"]; v != "" {
		t := fromMillis(v)
		job.StartedAt = &t
	}
	if v := f["finished_at"]; v != "" {
		t := fromMillis(v)
		job.FinishedAt = &t
	}
	return job, nil
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func fromMillis(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return time.Time{}
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms).UTC()
}
