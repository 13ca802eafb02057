package saga

import (
	"context"
	"slices"
	"sync"
)

// Resource key helpers used by the templates.
func CustomerKey(id string) string { return "customer:" + id }
func ProductKey(id string) string  { return "product:" + id }
func SupplierKey(id string) string { return "supplier:" + id }
func TillKey(id string) string     { return "till:" + id }

// KeyedLocker is an advisory lock per resource key. Sagas that share a
// key run one at a time; sagas with disjoint keys run concurrently.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires every key and returns the function that releases them.
// Keys are deduplicated and taken in sorted order, so two callers locking
// overlapping sets cannot deadlock. If ctx ends first, the keys already
// taken are released and ctx.Err() is returned.
func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]string, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}

	for _, key := range sorted {
		if key == "" {
			continue
		}
		if err := l.acquire(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *KeyedLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, kl)
		return ctx.Err()
	}
}

func (l *KeyedLocker) release(key string) {
	l.mu.Lock()
	kl := l.locks[key]
	l.mu.Unlock()

	<-kl.sem
	l.unref(key, kl)
}

func (l *KeyedLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Len returns the number of keys currently held or waited on.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
