package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalBackend keeps entries in process memory. mu orders generation bumps
// against conditional writes.
type LocalBackend struct {
	store *gocache.Cache

	mu   sync.Mutex
	gens map[string]uint64
}

func NewLocalBackend(ttl time.Duration) *LocalBackend {
	return &LocalBackend{store: gocache.New(ttl, 2*ttl), gens: make(map[string]uint64)}
}

func (l *LocalBackend) Get(_ context.Context, key string) (*Entry, bool, error) {
	v, ok := l.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(*Entry), true, nil
}

func (l *LocalBackend) SetIfGeneration(_ context.Context, key string, e *Entry, ttl time.Duration, gen uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gens[e.Org] != gen {
		return false, nil
	}
	l.store.Set(key, e, ttl)
	return true, nil
}

func (l *LocalBackend) Generation(_ context.Context, org string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gens[org], nil
}

func (l *LocalBackend) Bump(_ context.Context, org string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gens[org]++
	return l.gens[org], nil
}

func (l *LocalBackend) DeleteMatching(_ context.Context, org string, match func(*Entry) bool) (int, error) {
	n := 0
	for key, item := range l.store.Items() {
		e, ok := item.Object.(*Entry)
		if !ok || e.Org != org || !match(e) {
			continue
		}
		l.store.Delete(key)
		n++
	}
	return n, nil
}
