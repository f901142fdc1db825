package shim

import (
	"context"
	"testing"
	"time"

	"github.com/elee1766/btrmount/pkg/btrfs"
)

func TestGateDrainWaitsForCallbacks(t *testing.T) {
	g := NewGate()
	release, err := g.Enter()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- g.Drain(context.Background()) }()

	// New callbacks are rejected once draining started. Callbacks
	// admitted before that finish at once.
	deadline := time.Now().Add(time.Second)
	for {
		r, err := g.Enter()
		if err != nil {
			if !btrfs.IsErrorCode(err, btrfs.ErrCodeNotMounted) {
				t.Fatalf("expected NotMounted, got %v", err)
			}
			break
		}
		r()
		if time.Now().After(deadline) {
			t.Fatal("gate never closed")
		}
		time.Sleep(time.Millisecond)
	}
	if g.Active() != 1 {
		t.Fatalf("expected only the first callback in flight, got %d", g.Active())
	}

	select {
	case err := <-done:
		t.Fatalf("drain returned before the callback finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release() // second call is a no-op
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("drain did not finish")
	}
	if g.Active() != 0 {
		t.Errorf("expected 0 active, got %d", g.Active())
	}
}

func TestGateDrainTimeout(t *testing.T) {
	g := NewGate()
	release, err := g.Enter()
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = g.Drain(ctx)
	if !btrfs.IsErrorCode(err, btrfs.ErrCodeSessionBusy) {
		t.Fatalf("expected SessionBusy, got %v", err)
	}

	g.Reopen()
	r2, err := g.Enter()
	if err != nil {
		t.Fatalf("expected the gate to admit after reopen, got %v", err)
	}
	r2()
}

func TestGateDrainIdle(t *testing.T) {
	g := NewGate()
	if err := g.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Enter(); err == nil {
		t.Error("expected a closed gate")
	}
}
