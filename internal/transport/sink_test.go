package transport

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type message struct {
	topic   string
	payload string
}

// recordingSink keeps every payload and can be made to fail.
type recordingSink struct {
	mu       sync.Mutex
	messages []message
	err      error
	closed   bool
	closeErr error
}

func (s *recordingSink) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message{topic, string(payload)})
	return s.err
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func TestDiscard(t *testing.T) {
	var s Sink = Discard{}
	if err := s.Publish("lidar/scan", []byte("{}")); err != nil {
		t.Errorf("Publish: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestFanout(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down"), closeErr: errors.New("close failed")}
	ok := &recordingSink{}
	f := Fanout{failing, ok}

	if err := f.Publish("lidar/scan", []byte(`{"id":0}`)); err == nil || err.Error() != "broker down" {
		t.Errorf("Publish error = %v, want broker down", err)
	}
	// The healthy sink still receives.
	if diff := cmp.Diff([]message{{"lidar/scan", `{"id":0}`}}, ok.messages, cmp.AllowUnexported(message{})); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if len(failing.messages) != 1 {
		t.Errorf("failing sink saw %d messages, want 1", len(failing.messages))
	}

	if err := f.Close(); err == nil || err.Error() != "close failed" {
		t.Errorf("Close error = %v, want close failed", err)
	}
	if !failing.closed || !ok.closed {
		t.Errorf("closed = %v, %v, want both", failing.closed, ok.closed)
	}
}

func TestFanout_CombinesErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	err := Fanout{&recordingSink{err: errA}, &recordingSink{err: errB}}.Publish("t", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("error %v does not wrap both sink errors", err)
	}
}

func TestJoin(t *testing.T) {
	if got := Join(); got != (Discard{}) {
		t.Errorf("Join() = %#v, want Discard", got)
	}

	one := &recordingSink{}
	if got := Join(one); got != Sink(one) {
		t.Errorf("Join(one) = %#v, want the sink itself", got)
	}

	two := &recordingSink{}
	f, ok := Join(one, two).(Fanout)
	if !ok || len(f) != 2 || f[0] != Sink(one) || f[1] != Sink(two) {
		t.Errorf("Join(one, two) = %#v, want Fanout{one, two}", f)
	}
}
