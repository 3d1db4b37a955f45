package locking

import (
	"context"
	"fmt"
	"time"
)

const (
	remoteLockTTL      = 15 * time.Second
	remoteLockAttempts = 50
	remoteLockBackoff  = 100 * time.Millisecond
)

// Serializer combines the in-process keyed mutex with the optional redis
// lock. With a nil Locker only the local mutex is held, which is sufficient
// for single-replica deployments.
type Serializer struct {
	local  *KeyedMutex
	remote *Locker
}

func NewSerializer(remote *Locker) *Serializer {
	return &Serializer{
		local:  NewKeyedMutex(),
		remote: remote,
	}
}

// Acquire holds the key until the returned release function is called.
func (s *Serializer) Acquire(ctx context.Context, key string) (func(), error) {
	unlock := s.local.Lock(key)

	if s.remote == nil {
		return unlock, nil
	}

	for attempt := 0; attempt < remoteLockAttempts; attempt++ {
		token, ok, err := s.remote.TryLock(ctx, key, remoteLockTTL)
		if err != nil {
			unlock()
			return nil, err
		}
		if ok {
			return func() {
				_ = s.remote.Release(context.WithoutCancel(ctx), key, token)
				unlock()
			}, nil
		}

		select {
		case <-ctx.Done():
			unlock()
			return nil, ctx.Err()
		case <-time.After(remoteLockBackoff):
		}
	}

	unlock()
	return nil, fmt.Errorf("lock %q not acquired", key)
}
