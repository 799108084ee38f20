// Package lock provides the per-mailing batch guard.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
)

// ErrLost is the cause of the context handed to a Held function when the
// lock could not be renewed.
var ErrLost = errors.New("lock lost")

// Locker is a single named lock.
// Calls on one Locker must not overlap; concurrent callers use separate Locker values.
type Locker interface {
	// Acquire tries to take the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Refresh extends the expiry of an owned lock. Returns false if the lock
	// expired or is held by someone else.
	Refresh(ctx context.Context) (bool, error)
	// Release gives the lock up if it is still owned.
	Release(ctx context.Context) error
	// TTL is the time an unrefreshed lock stays held.
	TTL() time.Duration
}

// Provider hands out lockers by name
type Provider interface {
	Lock(name string) Locker
}

// Held runs fn while holding l. ok is false when the lock was busy and fn did not run.
// The lock is refreshed every third of its ttl while fn runs. If a refresh
// fails, the context passed to fn is cancelled with ErrLost as cause.
// The lock is released on every exit path, including a panic in fn.
func Held(ctx context.Context, l Locker, fn func(ctx context.Context) error) (ok bool, err error) {
	acquired, err := l.Acquire(ctx)
	if err != nil || !acquired {
		return false, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(runCtx, l, done, cancel)
	}()

	defer func() {
		close(done)
		<-stopped
		cancel(nil)
		// release must not be cut short by a cancelled batch context
		if rerr := l.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return true, fn(runCtx)
}

func keepAlive(ctx context.Context, l Locker, done <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := l.TTL() / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Refresh(ctx)
			if err != nil {
				cancel(fmt.Errorf("%w: %w", ErrLost, err))
				return
			}
			if !ok {
				cancel(ErrLost)
				return
			}
		}
	}
}

// RedisProvider builds SET NX based locks shared across hosts
type RedisProvider struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisProvider(client *redis.Client, ttl time.Duration) *RedisProvider {
	return &RedisProvider{client: client, ttl: ttl}
}

func (p *RedisProvider) Lock(name string) Locker {
	return &RedisLock{
		client: p.client,
		key:    fmt.Sprintf("newsmail:lock:%s", name),
		value:  uuid.NewString(),
		ttl:    p.ttl,
	}
}

// RedisLock uses a random ownership value and a Lua script for atomic release
type RedisLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLock) TTL() time.Duration { return l.ttl }

func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// BoltProvider keeps lock records in a bucket of a bbolt database.
// Only processes sharing the database file are coordinated.
type BoltProvider struct {
	db     *bolt.DB
	bucket []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewBoltProvider(db *bolt.DB, bucket []byte, ttl time.Duration) *BoltProvider {
	return &BoltProvider{db: db, bucket: bucket, ttl: ttl, now: time.Now}
}

func (p *BoltProvider) Lock(name string) Locker {
	return &BoltLock{p: p, key: []byte(name), owner: uuid.NewString()}
}

type boltRecord struct {
	Owner   string    `json:"owner"`
	Expires time.Time `json:"expires"`
}

// BoltLock is a flag record checked and set inside one write transaction.
// Records left behind by a crashed process expire after the provider's ttl.
type BoltLock struct {
	p     *BoltProvider
	key   []byte
	owner string
}

func (l *BoltLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	acquired := false
	err := l.p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(l.p.bucket)
		if err != nil {
			return err
		}
		now := l.p.now()
		if data := b.Get(l.key); data != nil {
			var rec boltRecord
			if err := json.Unmarshal(data, &rec); err == nil && rec.Owner != l.owner && now.Before(rec.Expires) {
				return nil
			}
		}
		data, err := json.Marshal(boltRecord{Owner: l.owner, Expires: now.Add(l.p.ttl)})
		if err != nil {
			return err
		}
		acquired = true
		return b.Put(l.key, data)
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return acquired, nil
}

func (l *BoltLock) Refresh(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	owned := false
	err := l.p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.p.bucket)
		if b == nil {
			return nil
		}
		data := b.Get(l.key)
		if data == nil {
			return nil
		}
		now := l.p.now()
		var rec boltRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != l.owner || !now.Before(rec.Expires) {
			return nil
		}
		data, err := json.Marshal(boltRecord{Owner: l.owner, Expires: now.Add(l.p.ttl)})
		if err != nil {
			return err
		}
		owned = true
		return b.Put(l.key, data)
	})
	if err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", l.key, err)
	}
	return owned, nil
}

func (l *BoltLock) TTL() time.Duration { return l.p.ttl }

func (l *BoltLock) Release(ctx context.Context) error {
	err := l.p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(l.p.bucket)
		if b == nil {
			return nil
		}
		data := b.Get(l.key)
		if data == nil {
			return nil
		}
		var rec boltRecord
		if err := json.Unmarshal(data, &rec); err == nil && rec.Owner != l.owner {
			return nil
		}
		return b.Delete(l.key)
	})
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
