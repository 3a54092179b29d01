package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// windowPruneEvery is how often SlideWindow walks every window key and drops
// the ones whose hits have all aged out.
const windowPruneEvery = time.Minute

type memWindow struct {
	hits   []time.Time
	window time.Duration
}

type memItem struct {
	value   string
	expires time.Time // zero: never
}

// Memory is an in-process Store. The clock is injectable so TTL expiry can be
// tested without sleeping.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	items  map[string]memItem
	hits   map[string]*memWindow
	closed bool

	lastPrune time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, items: map[string]memItem{}, hits: map[string]*memWindow{}}
}

// live must be called with m.mu held. Expired entries are dropped lazily.
func (m *Memory) live(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *Memory) put(key, value string, ttl time.Duration) {
	it := memItem{value: value}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.items[key] = it
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.put(key, value, ttl)
	return nil
}

func (m *Memory) SetMany(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, e := range entries {
		m.put(e.Key, e.Value, e.TTL)
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	it, ok := m.live(key)
	return it.value, ok, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) DeleteIfValue(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	it, ok := m.live(key)
	if !ok || it.value != value {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) DeleteIfOwnerDead(_ context.Context, key, owner, ownerKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, alive := m.live(ownerKey); alive {
		return false, nil
	}
	it, ok := m.live(key)
	if !ok || it.value != owner {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []string
	for k := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SlideWindow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Window{}, ErrClosed
	}
	m.pruneWindows(now)

	w := m.hits[key]
	if w == nil {
		w = &memWindow{}
	}
	w.window = window
	cutoff := now.Add(-window)
	kept := w.hits[:0]
	for _, at := range w.hits {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	w.hits = kept
	if len(kept) >= limit {
		if len(kept) == 0 {
			delete(m.hits, key)
		} else {
			m.hits[key] = w
		}
		return Window{Allowed: false, Count: len(kept)}, nil
	}
	w.hits = append(w.hits, now)
	m.hits[key] = w
	return Window{Allowed: true, Count: len(w.hits)}, nil
}

// pruneWindows must be called with m.mu held. Hits are appended in order, so
// a window is empty once its newest hit has aged out.
func (m *Memory) pruneWindows(now time.Time) {
	if now.Sub(m.lastPrune) < windowPruneEvery {
		return
	}
	m.lastPrune = now
	for key, w := range m.hits {
		if len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(now.Add(-w.window)) {
			delete(m.hits, key)
		}
	}
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
