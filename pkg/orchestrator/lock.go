package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CycleLock enforces the at-most-one-active-cycle invariant. Acquire returns
// false, not an error, when another cycle holds the lock; Release is only
// valid after a successful Acquire.
type CycleLock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalCycleLock is an in-process CycleLock for single-replica deployments
// and tests.
type LocalCycleLock struct {
	held atomic.Bool
}

// NewLocalCycleLock returns an unheld LocalCycleLock.
func NewLocalCycleLock() *LocalCycleLock {
	return &LocalCycleLock{}
}

// Acquire implements CycleLock.
func (l *LocalCycleLock) Acquire(_ context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

// Release implements CycleLock.
func (l *LocalCycleLock) Release(_ context.Context) error {
	l.held.Store(false)
	return nil
}

// releaseScript deletes the lock key only if it still carries our token,
// so a lock that expired and was re-acquired by another replica is never
// released out from under it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RedisCycleLock is a cross-replica CycleLock backed by a single Redis
// key written with SET NX and a TTL. The TTL is a liveness hedge: a
// replica that dies mid-cycle stops blocking its peers once the TTL
// elapses, at the cost of a possible concurrent cycle in that window.
type RedisCycleLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisCycleLock returns a RedisCycleLock over client, keyed at key,
// with lock TTL ttl.
func NewRedisCycleLock(client *redis.Client, key string, ttl time.Duration) *RedisCycleLock {
	return &RedisCycleLock{client: client, key: key, ttl: ttl}
}

// Acquire implements CycleLock via SET NX.
func (l *RedisCycleLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release implements CycleLock via a compare-and-delete script.
func (l *RedisCycleLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
	l.token = ""
	return err
}
