// Package store persists documents. The in-memory implementation stands in
// for a real database behind the guarded API.
package store

import (
	"context"
	"sync"

	"bastion/internal/documents/models"
	"bastion/pkg/platform/sentinel"
)

// Memory is a process-local document store keyed by tenant and document ID.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]*models.Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*models.Document)}
}

func docKey(tenantID, id string) string {
	if tenantID == "" {
		tenantID = "main"
	}
	return tenantID + "/" + id
}

func (m *Memory) Get(ctx context.Context, tenantID, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docKey(tenantID, id)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *Memory) Put(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *doc
	m.docs[docKey(doc.TenantID, doc.ID)] = &cp
	return nil
}

func (m *Memory) Delete(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := docKey(tenantID, id)
	if _, ok := m.docs[key]; !ok {
		return sentinel.ErrNotFound
	}
	delete(m.docs, key)
	return nil
}
