package reconcile

import (
	"context"
	"slices"
	"sync"
	"time"
)

// CycleSummary reports what one reconciliation cycle did.
type CycleSummary struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Checked          int       `json:"checked"`
	Updated          int       `json:"updated"`
	Deleted          int       `json:"deleted"`
	Unchanged        int       `json:"unchanged"`
	Errors           int       `json:"errors"`
	PolicyViolations int       `json:"policy_violations"`
	LabelDrifts      int       `json:"label_drifts"`
	// Error is set when the cycle was aborted, for example because the
	// registry listing failed. Counts are zero in that case.
	Error string `json:"error,omitempty"`
}

// Duration returns how long the cycle ran.
func (s *CycleSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Succeeded reports whether the cycle ran to completion.
func (s *CycleSummary) Succeeded() bool {
	return s.Error == ""
}

// HistoryStore persists cycle summaries.
type HistoryStore interface {
	RecordCycle(ctx context.Context, summary *CycleSummary) error
	// ListCycles returns up to limit summaries, most recent first.
	ListCycles(ctx context.Context, limit int) ([]*CycleSummary, error)
}

// DefaultHistorySize is how many cycles MemoryHistory keeps.
const DefaultHistorySize = 100

// MemoryHistory keeps the most recent cycle summaries in memory.
type MemoryHistory struct {
	mu     sync.Mutex
	size   int
	cycles []*CycleSummary
}

var _ HistoryStore = (*MemoryHistory)(nil)

// NewMemoryHistory returns a history holding at most size summaries.
func NewMemoryHistory(size int) *MemoryHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &MemoryHistory{size: size}
}

func (h *MemoryHistory) RecordCycle(_ context.Context, summary *CycleSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := *summary
	h.cycles = append(h.cycles, &c)
	if over := len(h.cycles) - h.size; over > 0 {
		h.cycles = slices.Delete(h.cycles, 0, over)
	}
	return nil
}

func (h *MemoryHistory) ListCycles(_ context.Context, limit int) ([]*CycleSummary, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*CycleSummary
	for i := len(h.cycles) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c := *h.cycles[i]
		out = append(out, &c)
	}
	return out, nil
}
