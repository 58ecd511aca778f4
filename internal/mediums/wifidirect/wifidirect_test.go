package wifidirect

import (
	"context"
	"testing"
	"time"

	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/medium"
)

func TestHandlerEndToEnd(t *testing.T) {
	t.Parallel()

	listener := NewHandler(Config{BindAddr: "127.0.0.1:0", SSID: "DIRECT-ab-group", Password: "supersecret", Frequency: 2437})
	dialer := NewHandler(Config{})

	incoming := make(chan channel.Channel, 1)
	listener.SetIncomingHandler(func(ch channel.Channel) { incoming <- ch })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := medium.WrapUpgradeServiceID("svc")
	info, err := listener.InitializeForEndpoint(ctx, svc, "endpoint-a")
	if err != nil {
		t.Fatalf("InitializeForEndpoint() error: %v", err)
	}

	dialCh, err := dialer.CreateUpgradedChannel(ctx, "svc", "endpoint-a", info)
	if err != nil {
		t.Fatalf("CreateUpgradedChannel() error: %v", err)
	}
	defer dialCh.Close(channel.Shutdown)

	select {
	case ch := <-incoming:
		defer ch.Close(channel.Shutdown)
	case <-ctx.Done():
		t.Fatal("timed out waiting for OnIncoming")
	}
}

func TestRevertResponderStateIdempotent(t *testing.T) {
	t.Parallel()
	h := NewHandler(Config{})
	h.RevertResponderState("svc")
	h.RevertResponderState("svc")
}
