package sessions

import (
	"context"
	"sync"
)

// Locker serializes turn resolution per session key. At most one holder owns
// a key at a time; contenders queue FIFO, so events for a busy session run
// in arrival order once the current turn completes. Distinct keys never
// contend.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	held    bool
	waiters []chan struct{}
}

// NewLocker creates a per-key FIFO locker.
func NewLocker() *Locker {
	return &Locker{locks: map[string]*keyLock{}}
}

// Lock acquires the lock for key, blocking behind earlier waiters.
// Returns ctx.Err() if the context is cancelled while waiting; a cancelled
// waiter gives up its place without disturbing the queue order of others.
func (l *Locker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	if !kl.held {
		kl.held = true
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	kl.waiters = append(kl.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		select {
		case <-ready:
			// Lost the race: the lock was already handed to us, so we
			// must pass it on before giving up.
			l.unlockLocked(key)
			l.mu.Unlock()
			return ctx.Err()
		default:
		}
		for i, w := range kl.waiters {
			if w == ready {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases the lock for key, handing it to the oldest waiter if any.
func (l *Locker) Unlock(key string) {
	l.mu.Lock()
	l.unlockLocked(key)
	l.mu.Unlock()
}

func (l *Locker) unlockLocked(key string) {
	kl, ok := l.locks[key]
	if !ok || !kl.held {
		return
	}
	if len(kl.waiters) > 0 {
		// Hand over: held stays true, the first waiter becomes the owner.
		next := kl.waiters[0]
		kl.waiters = kl.waiters[1:]
		close(next)
		return
	}
	kl.held = false
	delete(l.locks, key)
}

// Busy reports whether the key is currently held.
func (l *Locker) Busy(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	return ok && kl.held
}
