package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It is used by tests and single instance development runs.
type Memory struct {
	Lease time.Duration
	Now   func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) ensure() {
	if m.records == nil {
		m.records = make(map[string]*Record)
	}
}

// Lookup returns the record stored for eventID.
func (m *Memory) Lookup(_ context.Context, eventID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Begin claims eventID for processing.
func (m *Memory) Begin(_ context.Context, eventID, eventType string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensure()
	now := nowFunc(m.Now)().UTC()

	rec, ok := m.records[eventID]
	if !ok {
		rec = &Record{
			EventID:   eventID,
			EventType: eventType,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.records[eventID] = rec
		return cloneRecord(rec), nil
	}

	stale := rec.Status == StatusPending && now.Sub(rec.UpdatedAt) > leaseOrDefault(m.Lease)
	if rec.Status == StatusFailed || stale {
		rec.Status = StatusPending
		rec.RetryCount++
		rec.ErrorMessage = nil
		rec.UpdatedAt = now
		return cloneRecord(rec), nil
	}
	return cloneRecord(rec), claimBlocked(rec.Status)
}

// Commit finalises attempt for eventID.
func (m *Memory) Commit(_ context.Context, eventID string, attempt int, outcome Outcome) (Record, error) {
	if err := validateOutcome(outcome); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !claimHeld(*rec, attempt) {
		return cloneRecord(rec), ErrClaimLost
	}
	now := nowFunc(m.Now)().UTC()
	rec.Status = outcome.Status
	rec.ProcessedAt = &now
	rec.UpdatedAt = now
	rec.ErrorMessage = nil
	if outcome.Status == StatusFailed {
		msg := outcome.Error
		rec.ErrorMessage = &msg
	}
	return cloneRecord(rec), nil
}

// List returns records newest first.
func (m *Memory) List(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].EventID, out[j].EventID) > 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(rec *Record) Record {
	out := *rec
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		out.ProcessedAt = &t
	}
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}
