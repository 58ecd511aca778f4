package channel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/nearby-sub006/internal/medium"
)

// net.Pipe halves already satisfy io.ReadWriteCloser, so they back a Socket
// directly.

func newPipePair(t *testing.T) (*Socket, *Socket) {
	t.Helper()
	a, b := net.Pipe()
	sa := New(Config{Conn: a, Medium: medium.WifiLan, ServiceID: "svc", Name: "a"})
	sb := New(Config{Conn: b, Medium: medium.WifiLan, ServiceID: "svc", Name: "b"})
	t.Cleanup(func() {
		_ = sa.Close(Shutdown)
		_ = sb.Close(Shutdown)
	})
	return sa, sb
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	a, b := newPipePair(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Write(ctx, []byte("hello")) }()

	got, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read() = %q, want %q", got, "hello")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Write() error: %v", err)
	}
}

// TestPauseQueuesWrites verifies the invariant that a paused channel never
// emits a write until Resume is called, and that queued frames flush in
// submission order.
func TestPauseQueuesWrites(t *testing.T) {
	t.Parallel()
	a, b := newPipePair(t)
	ctx := context.Background()

	a.Pause()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.Write(ctx, []byte("first")); err != nil {
			t.Errorf("Write(first) error: %v", err)
		}
		if err := a.Write(ctx, []byte("second")); err != nil {
			t.Errorf("Write(second) error: %v", err)
		}
	}()
	<-done // both writes return immediately because they're queued, not blocked on I/O

	// Give the reader a moment to prove nothing arrives while paused.
	readDone := make(chan []byte, 1)
	go func() {
		got, err := b.Read(ctx)
		if err == nil {
			readDone <- got
		}
	}()
	select {
	case <-readDone:
		t.Fatal("received a frame while sender was paused")
	case <-time.After(50 * time.Millisecond):
	}

	// Resume writes the queued frames synchronously, and net.Pipe blocks each
	// write until it is read, so it runs beside the reads below. The
	// background reader above receives "first"; the next Read gets "second".
	resumed := make(chan struct{})
	go func() {
		defer close(resumed)
		a.Resume()
	}()

	select {
	case got := <-readDone:
		if string(got) != "first" {
			t.Fatalf("background read got %q, want %q", got, "first")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for queued frame after resume")
	}

	second, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(second) != "second" {
		t.Fatalf("Read() = %q, want %q", second, "second")
	}
	<-resumed
}

func TestCloseIsTerminal(t *testing.T) {
	t.Parallel()
	a, _ := newPipePair(t)
	ctx := context.Background()

	if err := a.Close(Upgraded); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	// Second close is a no-op, not an error.
	if err := a.Close(Shutdown); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if err := a.Write(ctx, []byte("late")); err == nil {
		t.Fatal("Write() after Close() should fail")
	}
}

func TestDisableEncryptionBypassesOnlyNextWrite(t *testing.T) {
	t.Parallel()
	a, b := newPipePair(t)
	ctx := context.Background()

	a.DisableEncryption()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Write(ctx, []byte("plain")) }()
	got, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(got) != "plain" {
		t.Fatalf("Read() = %q, want %q", got, "plain")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	// The bypass was one-shot: a second DisableEncryption call is required
	// for a further plaintext write, but since our Encryptor is Identity in
	// this test the round trip is indistinguishable either way — what we
	// assert is that the flag itself was consumed.
	a.mu.Lock()
	stillSet := a.disableEncryptOnce
	a.mu.Unlock()
	if stillSet {
		t.Fatal("disableEncryptOnce should be cleared after one write")
	}
}
