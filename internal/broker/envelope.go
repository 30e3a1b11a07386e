package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome values carried by response messages.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// TaskMessage is published to the work queue.
type TaskMessage struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// ResponseMessage is consumed from the response queue. Workers may put the
// result under either "payload" or "result".
type ResponseMessage struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Outcome       string          `json:"outcome,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// EncodeTask validates and serializes m.
func EncodeTask(m TaskMessage) ([]byte, error) {
	if strings.TrimSpace(m.CorrelationID) == "" {
		return nil, fmt.Errorf("%w: missing correlationId", ErrMalformed)
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}
	return json.Marshal(m)
}

// DecodeResponse parses and validates an inbound message. Every failure
// wraps ErrMalformed.
func DecodeResponse(body []byte) (ResponseMessage, error) {
	var m ResponseMessage
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return m, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if err := json.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m.CorrelationID = strings.TrimSpace(m.CorrelationID)
	if m.CorrelationID == "" {
		return m, fmt.Errorf("%w: missing correlationId", ErrMalformed)
	}

	m.Outcome = strings.ToLower(strings.TrimSpace(m.Outcome))
	switch m.Outcome {
	case OutcomeSuccess, OutcomeFailure:
	case "":
		// No outcome: an error string means the worker gave up.
		m.Outcome = OutcomeSuccess
		if m.Error != "" {
			m.Outcome = OutcomeFailure
		}
	default:
		return m, fmt.Errorf("%w: unknown outcome %q", ErrMalformed, m.Outcome)
	}
	return m, nil
}

// Body returns the result payload, whichever field carried it.
func (m ResponseMessage) Body() json.RawMessage {
	if len(m.Payload) > 0 {
		return m.Payload
	}
	if len(m.Result) > 0 {
		return m.Result
	}
	if m.Error != "" {
		b, _ := json.Marshal(map[string]string{"error": m.Error})
		return b
	}
	return nil
}

// Succeeded reports whether the worker reported success.
func (m ResponseMessage) Succeeded() bool {
	return m.Outcome == OutcomeSuccess
}
