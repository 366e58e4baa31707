package asr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/exolabs/exobridge/internal/bus"
)

// Bridge merges per-tenant audio topics onto the shared stream the worker
// pool consumes. Deployments that isolate tenant audio at ingest run one
// bridge; deployments that publish straight to the shared stream run none.
type Bridge struct {
	bus     bus.Bus
	log     *slog.Logger
	tenants []string
	group   string
}

// NewBridge creates a bridge for the given tenant ids.
func NewBridge(b bus.Bus, log *slog.Logger, tenants []string) *Bridge {
	return &Bridge{
		bus:     b,
		log:     log.With("component", "asr-bridge"),
		tenants: tenants,
		group:   "asr-bridge",
	}
}

// Run subscribes to every tenant topic and blocks until ctx is cancelled.
// Forwarding failures are returned to the bus unacknowledged so the frame is
// redelivered.
func (br *Bridge) Run(ctx context.Context) error {
	var subs []bus.Subscription
	for _, tenant := range br.tenants {
		sub, err := br.bus.Subscribe(ctx, bus.TopicAudio(tenant), br.group, br.forward)
		if err != nil {
			br.closeSubs(subs)
			return fmt.Errorf("asr: bridge subscribe tenant %q: %w", tenant, err)
		}
		subs = append(subs, sub)
		br.log.Info("bridging tenant audio", "tenant_id", tenant)
	}

	<-ctx.Done()
	br.closeSubs(subs)
	return nil
}

func (br *Bridge) forward(ctx context.Context, msg bus.Message) error {
	_, err := br.bus.Publish(ctx, bus.TopicAudioShared, msg.Envelope)
	return err
}

func (br *Bridge) closeSubs(subs []bus.Subscription) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		sub.Close(closeCtx)
	}
}
