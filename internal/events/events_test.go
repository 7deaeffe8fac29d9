package events

import (
	"testing"

	"go.uber.org/zap"
)

func TestNew_EmptyURLIsNoop(t *testing.T) {
	pub, err := New("", "maxq.events", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error building no-op publisher: %v", err)
	}
	if pub.ch != nil || pub.conn != nil {
		t.Fatal("expected no-op publisher to have no amqp channel or connection")
	}
}

func TestPublish_NoopNeverPanics(t *testing.T) {
	pub, err := New("", "maxq.events", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub.Publish("run.completed", Event{Type: "run.completed", RunID: "run-1", Status: "completed"})
}

func TestClose_NoopReturnsNil(t *testing.T) {
	pub, err := New("", "maxq.events", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("expected no-op close to succeed, got %v", err)
	}
}

func TestNew_InvalidURLErrors(t *testing.T) {
	_, err := New("not-a-valid-amqp-url", "maxq.events", zap.NewNop())
	if err == nil {
		t.Fatal("expected dial error for invalid amqp url")
	}
}
