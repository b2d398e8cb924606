package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the broker's keys.
const DefaultRedisPrefix = "assessments:tasks"

// claimScript pops the oldest task whose score (availability time) is due
// and moves it to the running set in one step.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[1], ids[1])
return ids[1]
`)

// releaseScript deletes an idempotency reservation only while the given task
// still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// maxTxAttempts bounds optimistic transaction retries under contention.
const maxTxAttempts = 16

// RedisBroker is a Broker on Redis sorted sets. Task bodies are JSON
// strings; the ready set is scored by availability time, the running set
// by claim time and the done set by finish time.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

var (
	_ Broker     = (*RedisBroker)(nil)
	_ TaskReader = (*RedisBroker)(nil)
)

// NewRedisBroker creates a RedisBroker. An empty prefix uses DefaultRedisPrefix.
func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) readyKey() string { return b.prefix + ":ready" }
func (b *RedisBroker) runningKey() string { return b.prefix + ":running" }
func (b *RedisBroker) doneKey() string { return b.prefix + ":done" }
func (b *RedisBroker) allKey() string { return b.prefix + ":all" }
func (b *RedisBroker) taskKey(id string) string { return b.prefix + ":task:" + id }
func (b *RedisBroker) idemKey(k string) string { return b.prefix + ":idem:" + k }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *RedisBroker) load(ctx context.Context, c getter, id string) (*AssessmentTask, error) {
	data, err := c.Get(ctx, b.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	var t AssessmentTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// watch runs fn in an optimistic transaction over keys, retrying while a
// concurrent writer invalidates it.
func (b *RedisBroker) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := b.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (b *RedisBroker) save(ctx context.Context, pipe redis.Pipeliner, t *AssessmentTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	pipe.Set(ctx, b.taskKey(t.ID), data, 0)
	return nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, task *AssessmentTask) (*AssessmentTask, error) {
	if err := task.BeforeCreate(nil); err != nil {
		return nil, err
	}
	if task.State == "" {
		task.State = TaskStateQueued
	}
	now := time.Now()
	if task.AvailableAt.IsZero() {
		task.AvailableAt = now
	}
	if task.RequestedAt.IsZero() {
		task.RequestedAt = now
	}

	if task.IdempotencyKey == nil {
		if _, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return b.enqueue(ctx, pipe, task)
		}); err != nil {
			return nil, fmt.Errorf("publish task: %w", err)
		}
		return task, nil
	}

	// The reservation and the task land in one transaction; a live holder
	// wins and a terminal one is replaced.
	key := b.idemKey(*task.IdempotencyKey)
	var existing *AssessmentTask
	err := b.watch(ctx, func(tx *redis.Tx) error {
		existing = nil
		holder, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read idempotency key: %w", err)
		}
		if holder != "" {
			held, err := b.load(ctx, tx, holder)
			if err != nil {
				return err
			}
			if held != nil && !held.IsTerminal() {
				existing = held
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, task.ID, 0)
			return b.enqueue(ctx, pipe, task)
		})
		return err
	}, key)
	if err != nil {
		return nil, fmt.Errorf("publish task: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return task, nil
}

func (b *RedisBroker) enqueue(ctx context.Context, pipe redis.Pipeliner, task *AssessmentTask) error {
	if err := b.save(ctx, pipe, task); err != nil {
		return err
	}
	pipe.ZAdd(ctx, b.readyKey(), redis.Z{Score: score(task.AvailableAt), Member: task.ID})
	pipe.ZAdd(ctx, b.allKey(), redis.Z{Score: score(task.RequestedAt), Member: task.ID})
	return nil
}

// Claim implements Broker.
func (b *RedisBroker) Claim(ctx context.Context) (*AssessmentTask, error) {
	now := time.Now()
	id, err := claimScript.Run(ctx, b.client,
		[]string{b.readyKey(), b.runningKey()},
		strconv.FormatInt(now.UnixMilli(), 10)).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	var task *AssessmentTask
	err = b.watch(ctx, func(tx *redis.Tx) error {
		t, err := b.load(ctx, tx, id)
		if err != nil || t == nil {
			task = nil
			return err
		}
		t.State = TaskStateRunning
		t.StartedAt = &now
		if t.FirstAttemptAt == nil {
			t.FirstAttemptAt = &now
		}
		t.AttemptCount++
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return b.save(ctx, pipe, t)
		})
		task = t
		return err
	}, b.taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		b.client.ZRem(ctx, b.runningKey(), id)
		return nil, nil
	}
	return task, nil
}

// finish moves a task out of one of the from states. The read, the state
// check and the write form one optimistic transaction, so two workers
// finishing the same task cannot both apply.
func (b *RedisBroker) finish(ctx context.Context, id string, from []TaskState, verb string, mutate func(*AssessmentTask)) error {
	return b.watch(ctx, func(tx *redis.Tx) error {
		task, err := b.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%s task %s: %w", verb, id, ErrTaskNotFound)
		}
		if !slices.Contains(from, task.State) {
			return fmt.Errorf("%s task %s: task is %s", verb, id, task.State)
		}

		key := task.IdempotencyKey
		mutate(task)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := b.save(ctx, pipe, task); err != nil {
				return err
			}
			pipe.ZRem(ctx, b.runningKey(), id)
			if task.IsTerminal() {
				pipe.ZRem(ctx, b.readyKey(), id)
				pipe.ZAdd(ctx, b.doneKey(), redis.Z{Score: score(*task.FinishedAt), Member: id})
				if key != nil {
					releaseScript.Eval(ctx, pipe, []string{b.idemKey(*key)}, id)
				}
			} else {
				pipe.ZAdd(ctx, b.readyKey(), redis.Z{Score: score(task.AvailableAt), Member: id})
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("%s task: %w", verb, err)
		}
		return nil
	}, b.taskKey(id))
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, id, runID string) error {
	return b.finish(ctx, id, []TaskState{TaskStateRunning}, "ack", func(t *AssessmentTask) {
		now := time.Now()
		t.State = TaskStateSucceeded
		t.FinishedAt = &now
		t.RunID = runID
		t.IdempotencyKey = nil
	})
}

// Nack implements Broker.
func (b *RedisBroker) Nack(ctx context.Context, id string, retryAt time.Time, errMsg string) error {
	return b.finish(ctx, id, []TaskState{TaskStateRunning}, "nack", func(t *AssessmentTask) {
		t.State = TaskStateQueued
		t.AvailableAt = retryAt
		t.StartedAt = nil
		t.LastError = errMsg
	})
}

// Bury implements Broker.
func (b *RedisBroker) Bury(ctx context.Context, id, reason string) error {
	return b.finish(ctx, id, liveStates, "bury", func(t *AssessmentTask) {
		now := time.Now()
		t.State = TaskStateDead
		t.FinishedAt = &now
		t.LastError = reason
		t.IdempotencyKey = nil
	})
}

// CleanupStuck implements Broker.
func (b *RedisBroker) CleanupStuck(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-claimTimeout)
	ids, err := b.client.ZRangeByScore(ctx, b.runningKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup stuck tasks: %w", err)
	}
	var n int64
	for _, id := range ids {
		err := b.Nack(ctx, id, time.Now(), "Timed out (stuck task recovery)")
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				b.client.ZRem(ctx, b.runningKey(), id)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteOlderThan implements Broker.
func (b *RedisBroker) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := b.client.ZRangeByScore(ctx, b.doneKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, b.taskKey(id))
			pipe.ZRem(ctx, b.doneKey(), id)
			pipe.ZRem(ctx, b.allKey(), id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete old tasks: %w", err)
	}
	return int64(len(ids)), nil
}

// Get implements TaskReader.
func (b *RedisBroker) Get(ctx context.Context, id string) (*AssessmentTask, error) {
	return b.load(ctx, b.client, id)
}

// List implements TaskReader. Filtering happens client side, which suits
// the operator API this serves.
func (b *RedisBroker) List(ctx context.Context, filter TaskListFilter, pageSize int, pageToken string) ([]AssessmentTask, string, int, error) {
	pageSize = clampPageSize(pageSize)

	ids, err := b.client.ZRevRange(ctx, b.allKey(), 0, -1).Result()
	if err != nil {
		return nil, "", 0, fmt.Errorf("list tasks: %w", err)
	}
	var before time.Time
	if pageToken != "" {
		if before, err = time.Parse(time.RFC3339Nano, pageToken); err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
	}

	var matched []AssessmentTask
	for _, id := range ids {
		t, err := b.load(ctx, b.client, id)
		if err != nil {
			return nil, "", 0, err
		}
		if t != nil && filter.matches(t) {
			matched = append(matched, *t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].RequestedAt.After(matched[j].RequestedAt) })
	total := len(matched)

	page := matched
	if !before.IsZero() {
		page = page[:0:0]
		for _, t := range matched {
			if t.RequestedAt.Before(before) {
				page = append(page, t)
			}
		}
	}
	var nextToken string
	if len(page) > pageSize {
		nextToken = page[pageSize-1].RequestedAt.Format(time.RFC3339Nano)
		page = page[:pageSize]
	}
	return page, nextToken, total, nil
}
