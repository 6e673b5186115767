package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GlobalTaskQueue is the sorted-set key shared by all queuer and runner
// processes.
const GlobalTaskQueue = "global-task-queue"

// Entry is one element of the shared queue: a task id scored by its push
// timestamp in epoch seconds.
type Entry struct {
	TaskID int64
	Score  int64
}

// Queue is the shared priority queue over a redis sorted set. Scores are
// push timestamps, so older pushes drain first.
type Queue struct {
	client redis.UniversalClient
	key    string
}

// NewQueue creates a queue over the given redis client using the global key.
func NewQueue(client redis.UniversalClient) *Queue {
	return &Queue{client: client, key: GlobalTaskQueue}
}

// PushIfAbsent inserts every entry whose task id is not already present,
// in a single atomic command, and returns the number of entries actually
// added. Ids already in the set keep their original score.
func (q *Queue) PushIfAbsent(ctx context.Context, entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	members := make([]redis.Z, len(entries))
	for i, e := range entries {
		members[i] = redis.Z{
			Score:  float64(e.Score),
			Member: strconv.FormatInt(e.TaskID, 10),
		}
	}
	added, err := q.client.ZAddNX(ctx, q.key, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("pushing %d entries to task queue: %w", len(entries), err)
	}
	return added, nil
}

// BlockingPopMin waits up to timeout for the entry with the smallest score
// and removes it. Exactly one caller receives any given entry. Returns
// (nil, nil) on timeout.
func (q *Queue) BlockingPopMin(ctx context.Context, timeout time.Duration) (*Entry, error) {
	res, err := q.client.BZPopMin(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("popping from task queue: %w", err)
	}
	member, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T in task queue", res.Member)
	}
	taskID, err := strconv.ParseInt(member, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing task id %q from queue: %w", member, err)
	}
	return &Entry{TaskID: taskID, Score: int64(res.Score)}, nil
}
