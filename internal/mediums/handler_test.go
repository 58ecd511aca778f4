package mediums

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
)

func newTestHandler(t *testing.T) (*BaseHandler, *int32) {
	t.Helper()
	var revertCalls int32
	var listenCalls int32
	h := NewBaseHandler(medium.WifiLan,
		func(ctx context.Context, upgradeServiceID string) (*frames.UpgradePathInfo, error) {
			atomic.AddInt32(&listenCalls, 1)
			return &frames.UpgradePathInfo{Medium: medium.WifiLan, WifiLan: &frames.WifiLanPathInfo{IPAddress: "10.0.0.1", Port: 1}}, nil
		},
		func(upgradeServiceID string) {
			atomic.AddInt32(&revertCalls, 1)
		},
		func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
			return nil, nil
		},
		nil,
	)
	return h, &revertCalls
}

// TestRevertCorrectness mirrors spec.md §8 scenario 5.
func TestRevertCorrectness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, revertCalls := newTestHandler(t)

	svcA := medium.WrapUpgradeServiceID("A")
	svcB := medium.WrapUpgradeServiceID("B")

	if _, err := h.InitializeForEndpoint(ctx, svcA, "1"); err != nil {
		t.Fatalf("InitializeForEndpoint(A,1) error: %v", err)
	}
	if _, err := h.InitializeForEndpoint(ctx, svcA, "2"); err != nil {
		t.Fatalf("InitializeForEndpoint(A,2) error: %v", err)
	}

	h.RevertInitiatorState(svcA, "1")
	if got := atomic.LoadInt32(revertCalls); got != 0 {
		t.Fatalf("revert calls after releasing 1 of 2 endpoints = %d, want 0", got)
	}

	h.RevertInitiatorState(svcA, "2")
	if got := atomic.LoadInt32(revertCalls); got != 1 {
		t.Fatalf("revert calls after releasing last endpoint of A = %d, want 1", got)
	}

	if _, err := h.InitializeForEndpoint(ctx, svcB, "1"); err != nil {
		t.Fatalf("InitializeForEndpoint(B,1) error: %v", err)
	}
	h.RevertInitiatorState(svcB, "1")
	if got := atomic.LoadInt32(revertCalls); got != 2 {
		t.Fatalf("revert calls after releasing B = %d, want 2", got)
	}

	// revert_all() after re-initializing both services yields exactly two
	// handler-level revert calls.
	if _, err := h.InitializeForEndpoint(ctx, svcA, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.InitializeForEndpoint(ctx, svcB, "1"); err != nil {
		t.Fatal(err)
	}
	h.RevertInitiatorStateAll()
	if got := atomic.LoadInt32(revertCalls); got != 4 {
		t.Fatalf("revert calls after revert_all = %d, want 4 (2 prior + 2 from revert_all)", got)
	}
}

// TestInitializeIdempotentListener mirrors P1: starting the same upgrade
// twice for the same endpoint does not double-register the listener (the
// refcount set has exactly one member).
func TestInitializeIdempotentListener(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, _ := newTestHandler(t)
	svc := medium.WrapUpgradeServiceID("svc")

	if _, err := h.InitializeForEndpoint(ctx, svc, "1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.InitializeForEndpoint(ctx, svc, "1"); err != nil {
		t.Fatal(err)
	}
	if got := h.endpointCount(svc); got != 1 {
		t.Fatalf("endpointCount = %d, want 1", got)
	}
}

// TestRevertIgnoresUnwrappedServiceID checks the silent-ignore rule.
func TestRevertIgnoresUnwrappedServiceID(t *testing.T) {
	t.Parallel()
	h, revertCalls := newTestHandler(t)

	h.RevertInitiatorState("not-wrapped", "1")
	if got := atomic.LoadInt32(revertCalls); got != 0 {
		t.Fatalf("revert calls for unwrapped id = %d, want 0", got)
	}
}

func TestCancelDial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	started := make(chan struct{})
	h := NewBaseHandler(medium.Bluetooth,
		func(ctx context.Context, id string) (*frames.UpgradePathInfo, error) { return nil, nil },
		func(id string) {},
		func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
			close(started)
			for !cancel.Load() {
			}
			return nil, bwuerr.New(bwuerr.Cancellation, "dial cancelled")
		},
		nil,
	)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.CreateUpgradedChannel(ctx, "svc", "1", &frames.UpgradePathInfo{})
		errCh <- err
	}()

	<-started
	h.CancelDial("1")

	select {
	case err := <-errCh:
		if !bwuerr.Is(err, bwuerr.Cancellation) {
			t.Fatalf("CreateUpgradedChannel() error = %v, want Cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancellation to be observed")
	}
}
