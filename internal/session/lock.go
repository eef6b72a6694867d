// Package session serializes access to shared outbound HTTP session state
// (cookies, proxy-bound transports) across concurrently running tasks.
//
// The default mode uses one process-wide lock, so only one operation body
// touches session state at a time while other tasks wait. PerCredential mode
// keys the lock by credential set instead, letting tasks that use different
// cookies or proxies run in parallel.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/taskhub/internal/metrics"
)

const globalKey = "global"

// Credentials identify the session state an operation will touch.
type Credentials struct {
	Cookie string
	Proxy  string
}

// Key returns a stable, non-reversible identifier for the credential set.
func (c Credentials) Key() string {
	sum := sha256.Sum256([]byte(c.Cookie + "\x00" + c.Proxy))
	return hex.EncodeToString(sum[:8])
}

// Locker hands out context-aware exclusive locks.
type Locker struct {
	perCredential bool

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewLocker builds a Locker. With perCredential false every Acquire shares a
// single process-wide lock.
func NewLocker(perCredential bool) *Locker {
	return &Locker{
		perCredential: perCredential,
		locks:         make(map[string]*semaphore.Weighted),
	}
}

// Acquire blocks until the lock for creds is held or ctx ends. The returned
// release func must be called exactly once.
func (l *Locker) Acquire(ctx context.Context, creds Credentials) (func(), error) {
	sem := l.semaphore(creds)
	start := time.Now()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	metrics.ObserveSessionLockWait(time.Since(start))
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

func (l *Locker) semaphore(creds Credentials) *semaphore.Weighted {
	key := globalKey
	if l.perCredential {
		key = creds.Key()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	return sem
}
