package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesOneJSONObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	logger.Log(ActionSessionCreated, map[string]any{"sessionId": "s-1", "appName": "X"})
	logger.Log(ActionReplayDetected, map[string]any{"commandId": "cmd-1"})
	logger.Log(ActionEmergencyKill, nil)

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 3)

	assert.Equal(t, ActionSessionCreated, events[0].Action)
	assert.Equal(t, "s-1", events[0].Data["sessionId"])
	assert.Equal(t, ActionReplayDetected, events[1].Action)
	assert.False(t, events[1].Timestamp.IsZero())
	assert.NotNil(t, events[2].Data, "nil data is recorded as an empty object")
}

func TestOpenCreatesOwnerOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	logger, err := Open(path)
	require.NoError(t, err)
	logger.Log(ActionSessionRevoked, map[string]any{"sessionId": "s-2"})
	require.NoError(t, logger.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Reopen appends rather than truncating
	logger, err = Open(path)
	require.NoError(t, err)
	logger.Log(ActionSessionRevoked, map[string]any{"sessionId": "s-3"})
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count(raw, []byte("\n")))
}

func TestLogConcurrentWritersKeepLinesIntact(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Log(ActionExecutionStarted, map[string]any{"n": n})
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		count++
	}
	assert.Equal(t, 20, count)
}
