package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the command subset the queue and lease service use
// over in-memory state. Unimplemented methods panic via the embedded nil
// interface, which keeps the fake honest.
type fakeRedis struct {
	redis.UniversalClient
	mu   sync.Mutex
	zset map[string]float64
	kv   map[string]string
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		zset: make(map[string]float64),
		kv:   make(map[string]string),
	}
}

func (f *fakeRedis) ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var added int64
	for _, m := range members {
		member := m.Member.(string)
		if _, ok := f.zset[member]; !ok {
			f.zset[member] = m.Score
			added++
		}
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) BZPopMin(ctx context.Context, timeout time.Duration, keys ...string) *redis.ZWithKeyCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewZWithKeyCmdResult(nil, f.err)
	}
	if len(f.zset) == 0 {
		return redis.NewZWithKeyCmdResult(nil, redis.Nil)
	}
	var minMember string
	first := true
	for member, score := range f.zset {
		if first || score < f.zset[minMember] || (score == f.zset[minMember] && member < minMember) {
			minMember = member
			first = false
		}
	}
	score := f.zset[minMember]
	delete(f.zset, minMember)
	return redis.NewZWithKeyCmdResult(&redis.ZWithKey{
		Z:   redis.Z{Score: score, Member: minMember},
		Key: keys[0],
	}, nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, held := f.kv[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.kv[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

// EvalSha serves both lease scripts: owner-checked delete (one extra arg)
// and owner-checked expire (two extra args).
func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	key := keys[0]
	token := args[0].(string)
	if f.kv[key] != token {
		return redis.NewCmdResult(int64(0), nil)
	}
	if len(args) == 1 {
		delete(f.kv, key)
	}
	return redis.NewCmdResult(int64(1), nil)
}

func TestQueue_PushIfAbsent(t *testing.T) {
	client := newFakeRedis()
	q := NewQueue(client)

	added, err := q.PushIfAbsent(context.Background(), []Entry{
		{TaskID: 1, Score: 100},
		{TaskID: 2, Score: 200},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, added)
}

func TestQueue_PushIfAbsent_KeepsOriginalScore(t *testing.T) {
	client := newFakeRedis()
	q := NewQueue(client)
	ctx := context.Background()

	added, err := q.PushIfAbsent(ctx, []Entry{{TaskID: 1, Score: 100}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, added)

	// Re-pushing an id already in the set is a no-op
	added, err = q.PushIfAbsent(ctx, []Entry{{TaskID: 1, Score: 999}})
	require.NoError(t, err)
	assert.EqualValues(t, 0, added)

	entry, err := q.BlockingPopMin(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.EqualValues(t, 1, entry.TaskID)
	assert.EqualValues(t, 100, entry.Score, "the first push's score must survive")
}

func TestQueue_PushIfAbsent_Empty(t *testing.T) {
	client := newFakeRedis()
	q := NewQueue(client)

	added, err := q.PushIfAbsent(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestQueue_BlockingPopMin_DrainsInScoreOrder(t *testing.T) {
	client := newFakeRedis()
	q := NewQueue(client)
	ctx := context.Background()

	_, err := q.PushIfAbsent(ctx, []Entry{
		{TaskID: 3, Score: 300},
		{TaskID: 1, Score: 100},
		{TaskID: 2, Score: 200},
	})
	require.NoError(t, err)

	var order []int64
	for i := 0; i < 3; i++ {
		entry, err := q.BlockingPopMin(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, entry)
		order = append(order, entry.TaskID)
	}
	assert.Equal(t, []int64{1, 2, 3}, order)
}

func TestQueue_BlockingPopMin_Timeout(t *testing.T) {
	client := newFakeRedis()
	q := NewQueue(client)

	entry, err := q.BlockingPopMin(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestQueue_PushIfAbsent_Unavailable(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	q := NewQueue(client)

	_, err := q.PushIfAbsent(context.Background(), []Entry{{TaskID: 1, Score: 100}})
	assert.Error(t, err)
}
