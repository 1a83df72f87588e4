package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// renewLockName is the lock name serializing silent renewal. All callers
// of GetTokenSilently contend on this one name.
const renewLockName = "getTokenSilently"

// Lock timing defaults.
const (
	defaultLockLease     = 30 * time.Second
	defaultLockRetryWait = 50 * time.Millisecond
	defaultLockSettle    = 25 * time.Millisecond
)

// Release releases a held lock. Callers must invoke it exactly once,
// typically with defer, so every exit path of the critical section
// releases the lock.
type Release func()

// Lock serializes silent token renewal between concurrent callers that
// share a Storage backend. Acquire blocks until the named lock is held or
// timeout elapses, returning ErrLockTimeout in the latter case.
//
// The default implementation leases records in the configured Storage and
// works with any backend. RedisLock acquires atomically and should be
// preferred when Redis is available.
type Lock interface {
	Acquire(ctx context.Context, name string, timeout time.Duration) (Release, error)
}

// lockRecord is a stored lease.
type lockRecord struct {
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// storageLock implements Lock over a plain Storage, which offers no atomic
// create. A caller acquires by writing an owner record, waiting briefly for
// competing writes to settle, and confirming its record survived. Leases
// expire so a crashed holder cannot block renewal forever.
type storageLock struct {
	storage Storage
	logger  zerolog.Logger
	lease   time.Duration
	retry   time.Duration
	settle  time.Duration
	now     func() time.Time
}

// NewStorageLock creates the default Lock over storage. The logger records
// failed lease releases; its zero value discards them.
func NewStorageLock(storage Storage, logger zerolog.Logger) Lock {
	return &storageLock{
		storage: storage,
		logger:  logger,
		lease:   defaultLockLease,
		retry:   defaultLockRetryWait,
		settle:  defaultLockSettle,
		now:     time.Now,
	}
}

func (l *storageLock) Acquire(ctx context.Context, name string, timeout time.Duration) (Release, error) {
	owner := uuid.NewString()
	key := lockKeyPrefix + name
	deadline := l.now().Add(timeout)

	for {
		held, err := l.tryAcquire(ctx, key, owner)
		if err != nil {
			return nil, err
		}
		if held {
			return func() { l.release(key, owner) }, nil
		}

		if !l.now().Add(l.retry).Before(deadline) {
			return nil, ErrLockTimeout
		}
		if err := sleep(ctx, l.retry); err != nil {
			return nil, err
		}
	}
}

// tryAcquire runs one acquisition round: take over a free or expired lease,
// wait for competing writers to settle, then verify ownership survived.
func (l *storageLock) tryAcquire(ctx context.Context, key, owner string) (bool, error) {
	current, err := l.read(ctx, key)
	if err != nil {
		return false, err
	}
	if current != nil && current.Owner != owner && current.ExpiresAt > l.now().UnixMilli() {
		return false, nil
	}

	record := lockRecord{
		Owner:     owner,
		ExpiresAt: l.now().Add(l.lease).UnixMilli(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := l.storage.Set(ctx, key, data); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := sleep(ctx, l.settle); err != nil {
		return false, err
	}

	current, err = l.read(ctx, key)
	if err != nil {
		return false, err
	}
	return current != nil && current.Owner == owner, nil
}

func (l *storageLock) read(ctx context.Context, key string) (*lockRecord, error) {
	data, ok, err := l.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return nil, nil
	}

	var record lockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		// An unreadable record counts as a free lock.
		return nil, nil
	}
	return &record, nil
}

// release deletes the lease if the caller still owns it. Best effort: an
// expired lease reclaims the lock when the delete fails.
func (l *storageLock) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	current, err := l.read(ctx, key)
	if err != nil || current == nil || current.Owner != owner {
		return
	}
	if err := l.storage.Delete(ctx, key); err != nil {
		l.logger.Warn().Err(err).Str("lock", key).Msg("failed to release lock")
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Lock = (*storageLock)(nil)
