// Package models defines the document resource served through the guarded
// API. Documents are the demonstration origin for the resilience chain; the
// version field drives ETag generation.
package models

import (
	"encoding/json"
	"time"
)

type Document struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Body      json.RawMessage `json:"body"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}
