package correlation

import (
	"encoding/json"
	"time"
)

// Status defines the state of a correlation entry.
type Status string

const (
	Pending  Status = "pending"
	Resolved Status = "resolved"
	Failed   Status = "failed"
	Expired  Status = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == Resolved || s == Failed || s == Expired
}

// Outcome is the worker-reported result kind carried by a response message.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Mode selects how terminal entries are retrieved.
type Mode int

const (
	// RetainUntilTTL keeps terminal entries until the retention window passes.
	RetainUntilTTL Mode = iota
	// ConsumeOnRead deletes a terminal entry after its first read.
	ConsumeOnRead
)

// TaskRequest is a submitted unit of work. Immutable once registered.
type TaskRequest struct {
	ID          string
	Payload     json.RawMessage
	SubmittedAt time.Time
}

// Entry is the correlation state of one task.
type Entry struct {
	ID         string
	Status     Status
	Result     json.RawMessage
	Error      string
	CreatedAt  time.Time
	ResolvedAt time.Time
	Request    TaskRequest
}

// Stats is a point-in-time view of the table.
type Stats struct {
	Live     int `json:"live_entries"`
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Expired  int `json:"expired"`

	TotalRegistered uint64 `json:"total_registered"`
	TotalResolved   uint64 `json:"total_resolved"`
	TotalFailed     uint64 `json:"total_failed"`
	TotalExpired    uint64 `json:"total_expired"`
	TotalEvicted    uint64 `json:"total_evicted"`
	DroppedLate     uint64 `json:"dropped_late_transitions"`
}
