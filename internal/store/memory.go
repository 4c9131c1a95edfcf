package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// entry is a single string value with an optional expiry, the same shape
// as the teacher's CacheEntry (value + ExpiresAt).
type entry struct {
	value     string
	expiresAt time.Time // zero means no TTL
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type hashEntry struct {
	fields    map[string]string
	expiresAt time.Time
}

// Memory is a process-local Store with the same lazy-expiry-on-read plus
// periodic-sweep semantics as the teacher's HealthCache. It does not
// survive a restart; it exists for unit tests and as a documented
// non-durable fallback when no Redis address is configured.
type Memory struct {
	mu     sync.RWMutex
	values map[string]entry
	hashes map[string]*hashEntry

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemory creates a Memory store and starts its expiry sweep goroutine,
// mirroring NewHealthCache's background cleanup loop.
func NewMemory() *Memory {
	m := &Memory{
		values: make(map[string]entry),
		hashes: make(map[string]*hashEntry),
		stop:   make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.removeExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) removeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, v := range m.values {
		if v.expired(now) {
			delete(m.values, k)
		}
	}
	for k, h := range m.hashes {
		if !h.expiresAt.IsZero() && now.After(h.expiresAt) {
			delete(m.hashes, k)
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok || v.expired(time.Now()) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []string
	for k, v := range m.values {
		if strings.HasPrefix(k, prefix) && !v.expired(now) {
			out = append(out, k)
		}
	}
	for k, h := range m.hashes {
		if strings.HasPrefix(k, prefix) && (h.expiresAt.IsZero() || now.Before(h.expiresAt)) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		v.expiresAt = time.Now().Add(ttl)
		m.values[key] = v
	}
	if h, ok := m.hashes[key]; ok {
		h.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok || (!h.expiresAt.IsZero() && time.Now().After(h.expiresAt)) {
		return "", false, nil
	}
	v, ok := h.fields[field]
	return v, ok, nil
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hsetLocked(key, field, value)
	return nil
}

func (m *Memory) hsetLocked(key, field, value string) {
	h, ok := m.hashes[key]
	if !ok {
		h = &hashEntry{fields: make(map[string]string)}
		m.hashes[key] = h
	}
	h.fields[field] = value
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok || (!h.expiresAt.IsZero() && time.Now().After(h.expiresAt)) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h.fields))
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h.fields, f)
	}
	return nil
}

// Pipeline applies all queued writes while holding the store's single
// write lock, giving readers an all-or-nothing view exactly like a Redis
// MULTI/EXEC block would.
func (m *Memory) Pipeline(_ context.Context, fn func(p Pipeliner)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &memoryPipeliner{m: m}
	fn(p)
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

// memoryPipeliner applies writes directly against the already-locked
// Memory store; it exists only for the duration of one Pipeline call.
type memoryPipeliner struct {
	m *Memory
}

func (p *memoryPipeliner) Set(key, value string, ttl time.Duration) {
	p.m.setLocked(key, value, ttl)
}

func (p *memoryPipeliner) Delete(keys ...string) {
	for _, k := range keys {
		delete(p.m.values, k)
		delete(p.m.hashes, k)
	}
}

func (p *memoryPipeliner) HSet(key, field, value string) {
	p.m.hsetLocked(key, field, value)
}

func (p *memoryPipeliner) HDel(key string, fields ...string) {
	h, ok := p.m.hashes[key]
	if !ok {
		return
	}
	for _, f := range fields {
		delete(h.fields, f)
	}
}

func (p *memoryPipeliner) Expire(key string, ttl time.Duration) {
	if v, ok := p.m.values[key]; ok {
		v.expiresAt = time.Now().Add(ttl)
		p.m.values[key] = v
	}
	if h, ok := p.m.hashes[key]; ok {
		h.expiresAt = time.Now().Add(ttl)
	}
}

var _ Store = (*Memory)(nil)
