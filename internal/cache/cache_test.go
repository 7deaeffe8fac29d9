package cache

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/models"
)

func noopCache() *Cache {
	return New("", "", 0, zap.NewNop())
}

func TestGetRun_DisabledIsAlwaysAMiss(t *testing.T) {
	c := noopCache()
	run, ok := c.GetRun(context.Background(), "run-1")
	if ok || run != nil {
		t.Fatal("expected a miss when caching is disabled")
	}
}

func TestPutRun_DisabledNeverPanics(t *testing.T) {
	c := noopCache()
	c.PutRun(context.Background(), &models.Run{ID: "run-1"})
}

func TestInvalidateRun_DisabledNeverPanics(t *testing.T) {
	c := noopCache()
	c.InvalidateRun(context.Background(), "run-1")
}

func TestPublishLog_DisabledNeverPanics(t *testing.T) {
	c := noopCache()
	c.PublishLog(context.Background(), &models.RunLog{ID: "log-1", RunID: "run-1", Message: "hello"})
}

func TestSubscribeLogs_DisabledErrors(t *testing.T) {
	c := noopCache()
	_, err := c.SubscribeLogs(context.Background(), "run-1")
	if err == nil {
		t.Fatal("expected an error subscribing on a disabled cache")
	}
}

func TestClose_DisabledReturnsNil(t *testing.T) {
	c := noopCache()
	if err := c.Close(); err != nil {
		t.Fatalf("expected no-op close to succeed, got %v", err)
	}
}

func TestRunKeyAndLogChannel_AreNamespaced(t *testing.T) {
	if got := runKey("run-1"); got != "maxq:run:run-1" {
		t.Fatalf("unexpected run key: %s", got)
	}
	if got := logChannel("run-1"); got != "maxq:logs:run-1" {
		t.Fatalf("unexpected log channel: %s", got)
	}
}
