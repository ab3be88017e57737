package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(Config{Output: path})

	l.Emit(Event{Actor: "alice", Action: ActionLogin, Target: "alice", Status: "success", RequestID: "req-1"})
	l.Emit(Event{Actor: "bob", Action: ActionBodyRejected, Target: "/api/rest/echo/v1/ping", Status: "denied"})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)

	assert.Equal(t, "alice", events[0].Actor)
	assert.Equal(t, ActionLogin, events[0].Action)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.False(t, events[0].Timestamp.IsZero())

	assert.Equal(t, ActionBodyRejected, events[1].Action)
	assert.Equal(t, "denied", events[1].Status)
}

func TestCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(Config{Output: path, BufferSize: 100})

	for i := 0; i < 50; i++ {
		l.Emit(Event{Actor: "u", Action: ActionEntityUpdated, Target: "apis/echo/v1", Status: "success"})
	}
	require.NoError(t, l.Close())

	written, dropped := l.Stats()
	assert.Equal(t, int64(50), written)
	assert.Equal(t, int64(0), dropped)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	// A sink that never drains: stop the run loop first by using a closed
	// logger's queue directly is fiddly; instead use a tiny buffer and a slow
	// file on a full queue race. Emit far more than the buffer holds quickly.
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(Config{Output: path, BufferSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			l.Emit(Event{Actor: "u", Action: "spam", Status: "success"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit must never block")
	}
	require.NoError(t, l.Close())
}
