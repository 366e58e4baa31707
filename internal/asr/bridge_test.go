package asr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/exolabs/exobridge/internal/bus"
	"github.com/exolabs/exobridge/pkg/types"
)

func TestBridgeMergesTenantTopics(t *testing.T) {
	t.Parallel()

	b := bus.NewMemory()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var mu sync.Mutex
	var got []types.AudioFrame
	_, err := b.Subscribe(context.Background(), bus.TopicAudioShared, "test", func(_ context.Context, msg bus.Message) error {
		var frame types.AudioFrame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewBridge(b, log, []string{"AC1", "AC2"}).Run(ctx)
	}()

	// Give Run a moment to register its subscriptions.
	time.Sleep(50 * time.Millisecond)

	publish := func(tenant string, seq int64) {
		frame := types.AudioFrame{TenantID: tenant, InteractionID: "CA-" + tenant, Seq: seq}
		env, err := bus.Marshal("", frame.InteractionID, tenant, 0, frame)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := b.Publish(context.Background(), bus.TopicAudio(tenant), env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish("AC1", 1)
	publish("AC2", 1)
	// A tenant the bridge does not cover stays off the shared stream.
	publish("AC3", 1)

	waitUntil(t, "two merged frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	tenants := map[string]bool{}
	for _, frame := range got {
		tenants[frame.TenantID] = true
	}
	mu.Unlock()
	if !tenants["AC1"] || !tenants["AC2"] || tenants["AC3"] {
		t.Fatalf("merged tenants = %v", tenants)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
