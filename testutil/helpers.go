// =============================================================================
// Test helpers
// =============================================================================
// Shared helpers for measurement plane tests.
//
// Usage:
//
//	sink := testutil.CollectResults(t, bus, message.ResultsTopic(mid))
//	sink.WaitEOF(t, 2*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/measurementplane/message"
	"github.com/BaSui01/measurementplane/transport"
)

// =============================================================================
// Context helpers
// =============================================================================

// TestContext returns a context cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// Assertions
// =============================================================================

// AssertJSONEqual asserts that two values have the same JSON form.
func AssertJSONEqual(t *testing.T, expected, actual any) {
	t.Helper()

	expectedJSON, err := json.Marshal(expected)
	if err != nil {
		t.Fatalf("failed to marshal expected: %v", err)
	}
	actualJSON, err := json.Marshal(actual)
	if err != nil {
		t.Fatalf("failed to marshal actual: %v", err)
	}
	if string(expectedJSON) != string(actualJSON) {
		t.Errorf("JSON mismatch:\nexpected: %s\nactual: %s", expectedJSON, actualJSON)
	}
}

// WaitForChannel waits for a value on ch or the timeout.
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(timeout):
		var zero T
		return zero, false
	}
}

// =============================================================================
// Message sinks
// =============================================================================

// Sink records every message delivered on one topic.
type Sink struct {
	mu       sync.Mutex
	messages []*message.Message
	replyTos []string
	eof      chan struct{}
	eofOnce  sync.Once
}

// Collect subscribes a Sink to topic for the rest of the test.
func Collect(t *testing.T, tr transport.Transport, topic string) *Sink {
	t.Helper()
	s := &Sink{eof: make(chan struct{})}
	sub, err := tr.Subscribe(context.Background(), topic, func(_ context.Context, d transport.Delivery) {
		m, err := message.Decode(d.Body)
		if err != nil {
			t.Errorf("undecodable message on %s: %v", topic, err)
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, m)
		s.replyTos = append(s.replyTos, d.ReplyTo)
		s.mu.Unlock()
		if m.IsEOF() {
			s.eofOnce.Do(func() { close(s.eof) })
		}
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", topic, err)
	}
	t.Cleanup(func() { _ = sub.Stop() })
	return s
}

// CollectResults is Collect for a results topic.
func CollectResults(t *testing.T, tr transport.Transport, topic string) *Sink {
	t.Helper()
	return Collect(t, tr, topic)
}

// Messages returns a snapshot of the received messages.
func (s *Sink) Messages() []*message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Message(nil), s.messages...)
}

// ReplyTos returns the reply-to of every delivery, in order.
func (s *Sink) ReplyTos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.replyTos...)
}

// Len returns the number of received messages.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Values returns the result values of every non-EOF message.
func (s *Sink) Values() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, m := range s.messages {
		if m.IsEOF() {
			continue
		}
		out = append(out, m.ResultValues...)
	}
	return out
}

// EOFCount returns how many EOF results arrived.
func (s *Sink) EOFCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.IsEOF() {
			n++
		}
	}
	return n
}

// WaitEOF fails the test unless an EOF arrives within timeout.
func (s *Sink) WaitEOF(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-s.eof:
	case <-time.After(timeout):
		t.Fatalf("no EOF within %v", timeout)
	}
}

// WaitLen waits until at least n messages arrived and reports whether they did.
func (s *Sink) WaitLen(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Len() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.Len() >= n
}
