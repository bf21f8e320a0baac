package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jo-hoe/canopyflow/internal/common"
)

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedisRelay_HandleFiltersOwnEvents(t *testing.T) {
	local := NewBroadcaster(nil)
	// The client is never dialed by handle.
	relay := NewRedisRelay(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", local, slogDiscard())
	sub := local.Subscribe("job-1")

	own, _ := json.Marshal(envelope{Origin: relay.origin, Event: Event{JobID: "job-1", Status: common.EventProcessing, Progress: 10}})
	if relay.handle(DefaultChannelPrefix+"job-1", string(own)) {
		t.Fatalf("own event must not be re-delivered")
	}

	remote, _ := json.Marshal(envelope{Origin: "other", Event: Event{JobID: "job-1", Status: common.EventProcessing, Progress: 40}})
	if !relay.handle(DefaultChannelPrefix+"job-1", string(remote)) {
		t.Fatalf("remote event should be delivered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := sub.Next(ctx)
	if !ok || ev.Progress != 40 {
		t.Fatalf("delivered event: got %+v ok=%v", ev, ok)
	}

	if relay.handle("unrelated:job-1", string(remote)) {
		t.Fatalf("channels outside the prefix must be ignored")
	}
	if relay.handle(DefaultChannelPrefix+"job-1", "{not json") {
		t.Fatalf("malformed payload must be ignored")
	}
}

func TestRedisRelay_ForwardDropsWhenFull(t *testing.T) {
	relay := NewRedisRelay(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", NewBroadcaster(nil), slogDiscard())
	for i := 0; i < relayBuffer+10; i++ {
		relay.Forward("job", Event{Status: common.EventProcessing, Progress: 1})
	}
	if len(relay.out) != relayBuffer {
		t.Fatalf("buffer: got %d want %d", len(relay.out), relayBuffer)
	}
}

// Runs against a real server when CANOPYFLOW_TEST_REDIS names one (host:port).
func TestRedisRelay_CrossInstance(t *testing.T) {
	addr := os.Getenv("CANOPYFLOW_TEST_REDIS")
	if addr == "" {
		t.Skip("CANOPYFLOW_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := NewBroadcaster(nil)
	b := NewBroadcaster(nil)
	relayA := NewRedisRelay(redis.NewClient(&redis.Options{Addr: addr}), "canopyflow:test:", a, slogDiscard())
	relayB := NewRedisRelay(redis.NewClient(&redis.Options{Addr: addr}), "canopyflow:test:", b, slogDiscard())
	a.SetForwarder(relayA)
	go func() { _ = relayA.Run(ctx) }()
	go func() { _ = relayB.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	sub := b.Subscribe("job-x")
	a.Publish("job-x", Event{Status: common.EventCompleted, Progress: 100})

	ev, ok := sub.Next(ctx)
	if !ok || ev.Status != common.EventCompleted {
		t.Fatalf("remote instance did not receive event: %+v ok=%v", ev, ok)
	}
}
