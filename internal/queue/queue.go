// Package queue keeps pending load task specs in redis, ordered by deadline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nadmax/pullload/internal/metrics"
	"github.com/nadmax/pullload/internal/task"
)

const (
	specsKey = "load_tasks"
	queueKey = "load_task_queue"
)

// Specs without a deadline sort after every dated one.
const noDeadlineScore = float64(math.MaxInt64)

const completeRetries = 3

var ErrSpecNotFound = errors.New("load task spec not found")

type Queue struct {
	client *redis.Client
	ctx    context.Context
}

func NewQueue(redisAddr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Queue{
		client: client,
		ctx:    ctx,
	}, nil
}

// Client exposes the connection so other stores can share it.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) Enqueue(spec *task.Spec) error {
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now()
	}
	spec.SubmissionID = uuid.NewString()
	specJSON, err := spec.ToJSON()
	if err != nil {
		return err
	}

	key := spec.Key()
	if err := q.client.HSet(q.ctx, specsKey, key, specJSON).Err(); err != nil {
		return err
	}

	if err := q.client.ZAdd(q.ctx, queueKey, redis.Z{
		Score:  score(spec),
		Member: key,
	}).Err(); err != nil {
		return err
	}

	metrics.RecordLoadTaskEnqueued()
	return nil
}

// Dequeue pops the spec with the earliest deadline. It returns nil, nil when
// the queue is empty.
func (q *Queue) Dequeue() (*task.Spec, error) {
	results, err := q.client.ZPopMin(q.ctx, queueKey, 1).Result()
	if err != nil || len(results) == 0 {
		return nil, err
	}

	key, ok := results[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %v", results[0].Member)
	}

	return q.GetSpec(key)
}

func (q *Queue) GetSpec(key string) (*task.Spec, error) {
	specJSON, err := q.client.HGet(q.ctx, specsKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return task.SpecFromJSON(specJSON)
}

// Requeue puts a dequeued spec back in line without touching the stored
// spec. A key already queued by a newer submission keeps its place.
func (q *Queue) Requeue(spec *task.Spec) error {
	return q.client.ZAddNX(q.ctx, queueKey, redis.Z{
		Score:  score(spec),
		Member: spec.Key(),
	}).Err()
}

// Complete drops spec once its attempt is over. A spec resubmitted under the
// same key while the attempt ran is left queued.
func (q *Queue) Complete(spec *task.Spec) error {
	key := spec.Key()
	txf := func(tx *redis.Tx) error {
		specJSON, err := tx.HGet(q.ctx, specsKey, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		stored, err := task.SpecFromJSON(specJSON)
		if err != nil {
			return err
		}
		if stored.SubmissionID != spec.SubmissionID {
			return nil
		}

		_, err = tx.TxPipelined(q.ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(q.ctx, queueKey, key)
			pipe.HDel(q.ctx, specsKey, key)
			return nil
		})
		return err
	}

	for range completeRetries {
		err := q.client.Watch(q.ctx, txf, specsKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("complete %s: %w", key, redis.TxFailedErr)
}

// Len is the number of pending specs.
func (q *Queue) Len() (int, error) {
	n, err := q.client.ZCard(q.ctx, queueKey).Result()
	return int(n), err
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func score(spec *task.Spec) float64 {
	if spec.Deadline.IsZero() {
		return noDeadlineScore
	}
	return float64(spec.Deadline.UnixMilli())
}
