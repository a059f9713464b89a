package clip

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memEntry struct {
	clip    Clip
	expires time.Time
	elem    *list.Element
}

// Memory is an in-process Store. Entries beyond MaxEntries evict the oldest
// clip; a janitor goroutine sweeps expired entries.
type Memory struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*memEntry
	order   *list.List // oldest at front

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithTTL sets how long an untaken clip lives.
func WithTTL(d time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = d }
}

// WithMaxEntries bounds the number of stored clips. Zero means unbounded.
func WithMaxEntries(n int) MemoryOption {
	return func(m *Memory) { m.maxEntries = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-memory store and starts its janitor. Call Close to
// stop it.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		entries:    make(map[string]*memEntry),
		order:      list.New(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

func (m *Memory) Put(ctx context.Context, data []byte, mimeType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := Clip{ID: newID(), Data: append([]byte(nil), data...), MIMEType: mimeType}

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.removeLocked(m.order.Front().Value.(string))
		stats.Add("evictions", 1)
	}
	e := &memEntry{clip: c, expires: m.now().Add(m.ttl)}
	e.elem = m.order.PushBack(c.ID)
	m.entries[c.ID] = e
	stats.Add("puts", 1)
	return c.ID, nil
}

func (m *Memory) Take(_ context.Context, id string) (Clip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		stats.Add("misses", 1)
		return Clip{}, ErrNotFound
	}
	m.removeLocked(id)
	if m.ttl > 0 && !m.now().Before(e.expires) {
		stats.Add("misses", 1)
		stats.Add("evictions", 1)
		return Clip{}, ErrNotFound
	}
	stats.Add("takes", 1)
	return e.clip, nil
}

// Len reports the number of stored clips, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes expired clips and returns how many were removed.
func (m *Memory) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			m.removeLocked(id)
			n++
		}
	}
	stats.Add("evictions", int64(n))
	return n
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *Memory) removeLocked(id string) {
	e, ok := m.entries[id]
	if !ok {
		return
	}
	m.order.Remove(e.elem)
	delete(m.entries, id)
}

func (m *Memory) janitor() {
	defer close(m.done)
	interval := m.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
