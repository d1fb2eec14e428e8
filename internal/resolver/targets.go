package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Target is a navigation context (a browser tab) a command can load into.
type Target struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"createdAt"`
	Focused   bool      `json:"focused"`
}

// Targets is the display-side tab registry the resolver drives.
type Targets interface {
	// List returns targets in ascending creation order.
	List(ctx context.Context) ([]Target, error)
	Create(ctx context.Context, url string) (Target, error)
	Update(ctx context.Context, id, url string) (Target, error)
	Focus(ctx context.Context, id string) error
}

// MemoryTargets keeps targets in process. The headless display agent and
// tests use it in place of a real browser.
type MemoryTargets struct {
	mu      sync.Mutex
	seq     int
	targets map[string]*Target
	now     func() time.Time
}

func NewMemoryTargets() *MemoryTargets {
	return &MemoryTargets{targets: make(map[string]*Target), now: time.Now}
}

func (m *MemoryTargets) List(context.Context) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, *t)
	}
	sortTargets(out)
	return out, nil
}

func (m *MemoryTargets) Create(_ context.Context, url string) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &Target{
		ID:        fmt.Sprintf("tab-%d", m.seq),
		URL:       url,
		CreatedAt: m.now(),
	}
	m.targets[t.ID] = t
	return *t, nil
}

func (m *MemoryTargets) Update(_ context.Context, id, url string) (Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[id]
	if !ok {
		return Target{}, fmt.Errorf("target %s not found", id)
	}
	t.URL = url
	return *t, nil
}

func (m *MemoryTargets) Focus(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.targets[id]
	if !ok {
		return fmt.Errorf("target %s not found", id)
	}
	for _, other := range m.targets {
		other.Focused = false
	}
	t.Focused = true
	return nil
}

func (m *MemoryTargets) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.targets)
}

// sortTargets orders by creation time, then id, so prefix matching is deterministic.
func sortTargets(ts []Target) {
	sort.SliceStable(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
