package deadletter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_WriteAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	l, err := Open(path, true)
	require.NoError(t, err)
	assert.Equal(t, path, l.Path())

	require.NoError(t, l.Write(Record{Reason: Malformed, Queue: "response_queue", Body: `{"outcome":"success"}`, Error: "missing correlationId", Timestamp: at}))
	require.NoError(t, l.Write(Record{Reason: Panicked, Queue: "response_queue", Body: `x`, Timestamp: at}))
	require.NoError(t, l.Close())

	// Reopening appends instead of truncating.
	l2, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, l2.Write(Record{Reason: Malformed, Queue: "response_queue", Body: `[]`, Timestamp: at}))
	require.NoError(t, l2.Close())

	var got []Record
	skipped, err := Replay(path, func(r Record) { got = append(got, r) })
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, got, 3)
	assert.Equal(t, Malformed, got[0].Reason)
	assert.Equal(t, "missing correlationId", got[0].Error)
	assert.Equal(t, at, got[0].Timestamp)
	assert.Equal(t, Panicked, got[1].Reason)
	assert.Equal(t, `[]`, got[2].Body)
}

func TestReplay_MissingFileIsEmpty(t *testing.T) {
	calls := 0
	skipped, err := Replay(filepath.Join(t.TempDir(), "absent.log"), func(Record) { calls++ })
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Zero(t, calls)
}

func TestReplay_SkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	data := "{\"reason\":\"MALFORMED\",\"body\":\"a\"}\n" +
		"not-json\n" +
		"{\"reason\":\"MALFORMED\",\"body\":\"b\"}\n" +
		"{\"reason\":\"MALF"
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	var bodies []string
	skipped, err := Replay(path, func(r Record) { bodies = append(bodies, r.Body) })
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	assert.Equal(t, []string{"a", "b"}, bodies)

	recs, err := Tail(path, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestReplay_SkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	huge := `{"reason":"MALFORMED","body":"` + strings.Repeat("x", 5*1024*1024) + "\"}\n"
	require.NoError(t, os.WriteFile(path, []byte(huge+`{"reason":"MALFORMED","body":"small"}`+"\n"), 0600))

	recs, err := Tail(path, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "small", recs[0].Body)
}

func TestLog_WriteCapsBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	l, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, l.Write(Record{Reason: Malformed, Body: strings.Repeat("\x01", 5*1024*1024)}))
	require.NoError(t, l.Write(Record{Reason: Malformed, Body: "after"}))
	require.NoError(t, l.Close())

	recs, err := Tail(path, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Truncated)
	assert.Len(t, recs[0].Body, MaxBodyBytes)
	assert.False(t, recs[1].Truncated)
	assert.Equal(t, "after", recs[1].Body)
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	l, err := Open(path, false)
	require.NoError(t, err)
	for _, body := range []string{"a", "b", "c", "d"} {
		require.NoError(t, l.Write(Record{Reason: Malformed, Body: body}))
	}
	require.NoError(t, l.Close())

	recs, err := Tail(path, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].Body)
	assert.Equal(t, "d", recs[1].Body)

	recs, err = Tail(path, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
