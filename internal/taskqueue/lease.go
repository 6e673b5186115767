package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL bounds the time a crashed runner can block a task.
// Workers doing slow operations can extend the lease from inside Run.
const DefaultLeaseTTL = 5 * time.Minute

// ErrLeaseNotHeld is returned by Extend and Release when the lease has
// expired and possibly been claimed by another owner.
var ErrLeaseNotHeld = errors.New("lease not held by this owner")

// TaskRunnerLockName returns the lease key for a task id.
func TaskRunnerLockName(taskID int64) string {
	return fmt.Sprintf("task-runner:%d", taskID)
}

// Lease is an acquired named lock. It is owned by a single runner
// iteration; workers receive it so they can extend the TTL during slow
// operations.
type Lease interface {
	// Name returns the lock key this lease holds
	Name() string

	// Extend resets the lease TTL to its original duration. Fails with
	// ErrLeaseNotHeld if the lease expired in the meantime.
	Extend(ctx context.Context) error

	// Release deletes the lease. Returns ErrLeaseNotHeld when the TTL
	// already expired and the lock was claimed by another owner; callers
	// log this but must not treat it as fatal.
	Release(ctx context.Context) error
}

// releaseScript deletes the lease only when the stored owner token matches.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only when the stored owner token matches.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// LeaseService hands out named, time-bounded, owner-identified locks on the
// shared redis store.
type LeaseService struct {
	client redis.UniversalClient
}

func NewLeaseService(client redis.UniversalClient) *LeaseService {
	return &LeaseService{client: client}
}

// Acquire tries to take the named lock without blocking. Returns (nil, nil)
// when the lock is currently held by another owner.
func (s *LeaseService) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &redisLease{svc: s, name: name, token: token, ttl: ttl}, nil
}

type redisLease struct {
	svc   *LeaseService
	name  string
	token string
	ttl   time.Duration
}

func (l *redisLease) Name() string { return l.name }

func (l *redisLease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, l.svc.client, []string{l.name}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extending lease %s: %w", l.name, err)
	}
	if res == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.svc.client, []string{l.name}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.name, err)
	}
	if res == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
