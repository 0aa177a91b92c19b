package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeWriter records broadcast frames in place of a real socket.
type fakeWriter struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	writeErr error
}

func (f *fakeWriter) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHub_BroadcastsToAllClients(t *testing.T) {
	h := NewHub()
	go h.Run()

	a := &fakeWriter{}
	b := &fakeWriter{}
	h.register <- &conn{ws: a}
	h.register <- &conn{ws: b}

	h.Publish(Event{Type: TypeImportFinished, UserID: "u1", ImportID: "imp1", Count: 3})

	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })

	var ev Event
	if err := json.Unmarshal(a.messages[0], &ev); err != nil {
		t.Fatalf("broadcast frame is not valid JSON: %v", err)
	}
	if ev.Type != TypeImportFinished || ev.Count != 3 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHub_DropsFailedClient(t *testing.T) {
	h := NewHub()
	go h.Run()

	broken := &fakeWriter{writeErr: errors.New("gone")}
	healthy := &fakeWriter{}
	h.register <- &conn{ws: broken}
	h.register <- &conn{ws: healthy}

	h.Publish(Event{Type: TypeSymbolResolved})
	waitFor(t, func() bool { return healthy.count() == 1 })

	// The broken client was closed and no longer receives.
	h.Publish(Event{Type: TypeSplitAdjusted})
	waitFor(t, func() bool { return healthy.count() == 2 })

	broken.mu.Lock()
	defer broken.mu.Unlock()
	if !broken.closed {
		t.Error("failed client should be closed and evicted")
	}
}
