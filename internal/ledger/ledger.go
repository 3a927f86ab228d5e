// Package ledger records the processing outcome of every provider event id. The records back deduplication
// of redelivered events and are kept as an audit trail.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the processing state of a ledger record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrAlreadyProcessed is returned by Begin when the event completed before. The stored record is returned with it.
	ErrAlreadyProcessed = errors.New("ledger: event already processed")
	// ErrInProgress is returned by Begin while another attempt holds a live claim on the event.
	ErrInProgress = errors.New("ledger: event is being processed")
	// ErrNotFound is returned when no record exists for an event id.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrInvalidOutcome is returned by Commit for outcomes other than processed or failed.
	ErrInvalidOutcome = errors.New("ledger: outcome must be processed or failed")
	// ErrClaimLost is returned by Commit when the attempt no longer holds the claim: the record was finalised or
	// reclaimed by a later attempt after the lease expired. The current record is returned with it.
	ErrClaimLost = errors.New("ledger: claim no longer held by this attempt")
)

// Record is the audit entry for one provider event id.
type Record struct {
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	Status       Status     `json:"status"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Outcome finalises an attempt.
type Outcome struct {
	Status Status
	Error  string
}

// Processed is the outcome of a successful attempt.
func Processed() Outcome { return Outcome{Status: StatusProcessed} }

// Failed is the outcome of an attempt whose handler returned err.
func Failed(err error) Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Outcome{Status: StatusFailed, Error: msg}
}

// Filter narrows List results. Records are returned newest first.
type Filter struct {
	Status Status
	Limit  int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// Store is the durable backing of the ledger.
//
// Begin claims an event id in one atomic step. An absent id is inserted as pending with retry_count 0. A failed
// record, or a pending record whose claim is older than the lease, is claimed again with retry_count incremented.
// Concurrent callers for the same id never both succeed.
//
// Commit finalises the attempt identified by the RetryCount of the record Begin returned. It only applies while the
// record is still pending at that retry count, so a late commit from an expired claim cannot overwrite the outcome
// of the attempt that replaced it.
type Store interface {
	Lookup(ctx context.Context, eventID string) (Record, error)
	Begin(ctx context.Context, eventID, eventType string) (Record, error)
	Commit(ctx context.Context, eventID string, attempt int, outcome Outcome) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
}

// DefaultLease bounds how long a pending claim blocks redeliveries when its holder died before committing.
const DefaultLease = 2 * time.Minute

func leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLease
	}
	return d
}

func nowFunc(fn func() time.Time) func() time.Time {
	if fn != nil {
		return fn
	}
	return time.Now
}

func validateOutcome(o Outcome) error {
	if o.Status != StatusProcessed && o.Status != StatusFailed {
		return ErrInvalidOutcome
	}
	return nil
}

// claimHeld reports whether rec is still the pending claim of attempt.
func claimHeld(rec Record, attempt int) bool {
	return rec.Status == StatusPending && rec.RetryCount == attempt
}

// claimBlocked maps the status of a record that could not be claimed onto the matching sentinel.
func claimBlocked(status Status) error {
	if status == StatusProcessed {
		return ErrAlreadyProcessed
	}
	return ErrInProgress
}
