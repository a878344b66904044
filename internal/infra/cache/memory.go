package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryGuard хранит заявки правок в памяти процесса, когда Redis не настроен.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemory создаёт охранник в памяти.
func NewMemory() *MemoryGuard {
	return &MemoryGuard{keys: make(map[string]time.Time), now: time.Now}
}

// Seen проверяет, заявлена ли правка и не истёк ли срок.
func (g *MemoryGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked(key), nil
}

// Claim заявляет правку, если ключ свободен.
func (g *MemoryGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.liveLocked(key) {
		return false, nil
	}
	now := g.now()
	for k, exp := range g.keys {
		if !exp.After(now) {
			delete(g.keys, k)
		}
	}
	g.keys[key] = now.Add(ttl)
	return true, nil
}

// Release снимает заявку.
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

func (g *MemoryGuard) liveLocked(key string) bool {
	exp, ok := g.keys[key]
	return ok && exp.After(g.now())
}
