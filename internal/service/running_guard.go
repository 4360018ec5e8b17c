package service

import (
	"context"
	"sort"
	"sync"
)

// ─────────────────────────────────────────────────────────────
// runningGuard — one run per key (export id, pull project)
// ─────────────────────────────────────────────────────────────

type runningGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock marks key as running. It returns false if a run already holds it.
func (g *runningGuard) TryLock(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[key]; ok {
		return false
	}
	g.running[key] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases key. Must follow a successful TryLock.
func (g *runningGuard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.running[key]; !ok {
		return
	}
	delete(g.running, key)
	g.wg.Done()
}

// Running returns the held keys, sorted.
func (g *runningGuard) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.running))
	for k := range g.running {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WaitAll blocks until every held key is released or ctx is done.
// Used for graceful shutdown.
func (g *runningGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
