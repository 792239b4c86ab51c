package realtime

import (
	"context"
	"sync"

	"agora/cmd/internal/conversation"
)

// keyLocks hands out one mutex per conversation key. Entries are reference
// counted and dropped when no goroutine holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[conversation.Key]*keyLock
}

type keyLock struct {
	ch   chan struct{} // buffered(1): holding the token means holding the lock
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[conversation.Key]*keyLock)}
}

// lock blocks until the lock for key is held or ctx is done.
func (l *keyLocks) lock(ctx context.Context, key conversation.Key) (unlock func(), err error) {
	l.mu.Lock()
	kl := l.locks[key]
	if kl == nil {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.ch
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, ctx.Err()
	}
}

func (l *keyLocks) release(key conversation.Key, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

func (l *keyLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
