package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process WorkflowStore for tests and single-node runs
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.WorkflowID]; exists {
		return fmt.Errorf("workflow already exists: %s", rec.WorkflowID)
	}
	cp := *rec
	m.records[rec.WorkflowID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, workflowID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.WorkflowID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	m.records[rec.WorkflowID] = &cp
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, workflowID, status, currentStage string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[workflowID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.CurrentStage = currentStage
	rec.Progress = progress
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, status string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*Record
	for _, rec := range m.records {
		if status != "" && rec.Status != status {
			continue
		}
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryStore) Delete(ctx context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[workflowID]; !ok {
		return ErrNotFound
	}
	delete(m.records, workflowID)
	return nil
}
