package lock

import (
	"context"
	"slices"
	"sync"
)

// Locker serialises work on named resources across everything sharing it.
type Locker interface {
	// Lock acquires every key and returns a func that releases them. Keys
	// are taken in sorted order so overlapping callers cannot deadlock.
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// ProductKey names the allocation lock of a product.
func ProductKey(productID string) string {
	return "lock:allocation:product:" + productID
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

// Local is an in-process Locker. A key's slot lives only while someone
// holds or waits for it.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

type heldSlot struct {
	key string
	s   *slot
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	held := make([]heldSlot, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].s.ch
			l.drop(held[i].key, held[i].s)
		}
	}
	for _, key := range normalizeKeys(keys) {
		s := l.acquire(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, heldSlot{key: key, s: s})
		case <-ctx.Done():
			l.drop(key, s)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

