package deadletter

import "time"

// MaxBodyBytes caps the message body kept in a record.
const MaxBodyBytes = 64 * 1024

// Reason classifies why a message left normal processing.
type Reason string

const (
	Malformed Reason = "MALFORMED"
	Panicked  Reason = "PANICKED"
)

// Record represents a single dead-lettered message.
type Record struct {
	Reason    Reason    `json:"reason"`
	Queue     string    `json:"queue"`
	Body      string    `json:"body"`
	Truncated bool      `json:"truncated,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
