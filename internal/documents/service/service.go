// Package service implements document reads and writes behind the resilience
// chain. Writes bump the resource version, persist, and invalidate the
// conditional cache synchronously before acknowledging so a subsequent read
// can never observe the superseded representation from cache.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"bastion/internal/documents/models"
	"bastion/internal/resilience/cache"
)

// Store is the persistence port for documents.
type Store interface {
	Get(ctx context.Context, tenantID, id string) (*models.Document, error)
	Put(ctx context.Context, doc *models.Document) error
	Delete(ctx context.Context, tenantID, id string) error
}

// Invalidator is the slice of the conditional cache the service needs.
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

type Service struct {
	store    Store
	cache    Invalidator
	versions *cache.Versions
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source. Test hook only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a document Service. The cache may be nil when the service runs
// without the conditional cache in front of it.
func New(store Store, cch Invalidator, versions *cache.Versions, opts ...Option) *Service {
	s := &Service{
		store:    store,
		cache:    cch,
		versions: versions,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the document and its current ETag.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.Document, string, error) {
	doc, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, "", err
	}
	return doc, s.etag(doc), nil
}

// Put upserts the document body under a fresh version and invalidates the
// cached representation before returning. An invalidation failure fails the
// write: acknowledging with a stale cache entry still live would break
// read-your-writes.
func (s *Service) Put(ctx context.Context, tenantID, id string, body json.RawMessage) (*models.Document, string, error) {
	doc := &models.Document{
		ID:        id,
		TenantID:  tenantID,
		Body:      body,
		Version:   s.versions.Next(ctx, cache.Key("documents", id, tenantID)),
		UpdatedAt: s.now(),
	}
	if err := s.store.Put(ctx, doc); err != nil {
		return nil, "", err
	}
	if err := s.invalidate(ctx, tenantID, id); err != nil {
		return nil, "", err
	}
	s.logger.InfoContext(ctx, "document updated", "id", id, "tenant", tenantID, "version", doc.Version)
	return doc, s.etag(doc), nil
}

// Delete removes the document and its cached representation.
func (s *Service) Delete(ctx context.Context, tenantID, id string) error {
	if err := s.store.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	return s.invalidate(ctx, tenantID, id)
}

func (s *Service) invalidate(ctx context.Context, tenantID, id string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, cache.Key("documents", id, tenantID))
}

// etag derives the document's validator from its version and rendered body.
func (s *Service) etag(doc *models.Document) string {
	return cache.Compute(doc.Version, doc.Body)
}
