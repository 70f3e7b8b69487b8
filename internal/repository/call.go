// Package repository stores an audit trail of gateway calls. Recording is
// best effort: callers log failures and carry on.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
)

// CallRecord describes one /api/chat call. Prompts and replies are not
// stored.
type CallRecord struct {
	RequestID         string    `json:"request_id"`
	Deployment        string    `json:"deployment"`
	Outcome           string    `json:"outcome"`
	Status            int       `json:"status,omitempty"`
	Rejected          bool      `json:"rejected"`
	FlaggedCategories []string  `json:"flagged_categories,omitempty"`
	PromptTokens      int       `json:"prompt_tokens"`
	CompletionTokens  int       `json:"completion_tokens"`
	LatencyMs         int64     `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

type CallRepository interface {
	Record(ctx context.Context, record CallRecord) error
	Recent(ctx context.Context, limit int) ([]CallRecord, error)
}

// FlaggedCategories lists the categories of v at or above threshold.
func FlaggedCategories(v domain.Verdict, threshold int) []string {
	var flagged []string
	if threshold <= 0 {
		return flagged
	}
	for _, c := range domain.Categories {
		if v.Severities[c] >= threshold {
			flagged = append(flagged, string(c))
		}
	}
	return flagged
}

type InMemoryCallRepository struct {
	mu       sync.RWMutex
	records  []CallRecord
	capacity int
}

// NewInMemoryCallRepository keeps the newest capacity records.
func NewInMemoryCallRepository(capacity int) *InMemoryCallRepository {
	if capacity <= 0 {
		capacity = 1000
	}
	return &InMemoryCallRepository{capacity: capacity}
}

func (r *InMemoryCallRepository) Record(ctx context.Context, record CallRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = append(r.records, record)
	if len(r.records) > r.capacity {
		r.records = r.records[len(r.records)-r.capacity:]
	}
	return nil
}

func (r *InMemoryCallRepository) Recent(ctx context.Context, limit int) ([]CallRecord, error) {
	r.mu.RLock()
	out := make([]CallRecord, len(r.records))
	copy(out, r.records)
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
