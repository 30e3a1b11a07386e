package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTask(t *testing.T) {
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	body, err := EncodeTask(TaskMessage{
		CorrelationID: "X",
		Payload:       json.RawMessage(`{"task":"A"}`),
		ReplyTo:       "response_queue",
		SubmittedAt:   at,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"correlationId": "X",
		"payload": {"task": "A"},
		"replyTo": "response_queue",
		"submittedAt": "2025-01-01T12:00:00Z"
	}`, string(body))

	_, err = EncodeTask(TaskMessage{Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeTask_EmptyPayloadBecomesNull(t *testing.T) {
	body, err := EncodeTask(TaskMessage{CorrelationID: "X"})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"payload":null`)
}

func TestDecodeResponse_Valid(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		outcome string
		result  string
	}{
		{"result field", `{"correlationId":"X","outcome":"success","result":{"ok":true}}`, OutcomeSuccess, `{"ok":true}`},
		{"payload field", `{"correlationId":"X","outcome":"failure","payload":{"reason":"boom"}}`, OutcomeFailure, `{"reason":"boom"}`},
		{"missing outcome", `{"correlationId":"X","payload":1}`, OutcomeSuccess, `1`},
		{"error implies failure", `{"correlationId":"X","error":"worker crashed"}`, OutcomeFailure, `{"error":"worker crashed"}`},
		{"outcome case", `{"correlationId":" X ","outcome":"SUCCESS","payload":true}`, OutcomeSuccess, `true`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := DecodeResponse([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, "X", m.CorrelationID)
			assert.Equal(t, tc.outcome, m.Outcome)
			assert.JSONEq(t, tc.result, string(m.Body()))
			assert.Equal(t, tc.outcome == OutcomeSuccess, m.Succeeded())
		})
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	bodies := map[string]string{
		"empty":           ``,
		"not json":        `hello`,
		"array":           `[1,2]`,
		"null":            `null`,
		"no id":           `{"outcome":"success","payload":{}}`,
		"blank id":        `{"correlationId":"   "}`,
		"wrong id type":   `{"correlationId":42}`,
		"unknown outcome": `{"correlationId":"X","outcome":"maybe"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(body))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
