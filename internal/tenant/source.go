package tenant

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	coreerrors "tenantgate/internal/core/errors"
)

// Source is the authoritative tenant directory
type Source interface {
	Load(ctx context.Context) ([]Descriptor, error)
}

// StatusWriter persists status transitions made through the registry
type StatusWriter interface {
	MarkStatus(ctx context.Context, id string, status Status, message string) error
}

// MemorySource keeps descriptors in memory; used for static setups and tests
type MemorySource struct {
	mu      sync.Mutex
	items   map[string]Descriptor
	loadErr error
	loads   atomic.Int64
}

// NewMemorySource creates a source holding descriptors
func NewMemorySource(descriptors ...Descriptor) *MemorySource {
	s := &MemorySource{items: make(map[string]Descriptor)}
	for _, d := range descriptors {
		s.items[d.ID] = d
	}
	return s
}

// Put inserts or replaces a descriptor
func (s *MemorySource) Put(d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[d.ID] = d
}

// SetLoadError makes subsequent loads fail with err; nil clears it
func (s *MemorySource) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// Loads returns how many times Load was called
func (s *MemorySource) Loads() int64 {
	return s.loads.Load()
}

func (s *MemorySource) Load(ctx context.Context) ([]Descriptor, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]Descriptor, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySource) MarkStatus(ctx context.Context, id string, status Status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.items[id]
	if !ok {
		return coreerrors.ErrTenantNotFound
	}
	applyStatus(&d, status, message, time.Now())
	s.items[id] = d
	return nil
}

// applyStatus is the single place status transitions touch a descriptor
func applyStatus(d *Descriptor, status Status, message string, at time.Time) {
	d.Status = status
	d.StatusMessage = message
	if status == StatusReady {
		d.StorageProvisioned = true
	}
	d.UpdatedAt = at
}
