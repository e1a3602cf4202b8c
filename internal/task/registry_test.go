package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wykra-io/wykra-api-sub001/internal/scrape"
)

func TestRegistrySignalCancelsWithCause(t *testing.T) {
	r := NewRegistry()

	ctx, release := r.Register(context.Background(), "t1")
	defer release()

	r.Signal("t1", scrape.ErrAborted)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not cancel the job context")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, scrape.ErrAborted) {
		t.Fatalf("expected abort cause, got %v", cause)
	}
}

func TestRegistrySignalUnknownIsNoop(t *testing.T) {
	r := NewRegistry()

	ctx, release := r.Register(context.Background(), "t1")
	defer release()

	r.Signal("other", scrape.ErrAborted)

	select {
	case <-ctx.Done():
		t.Fatal("signalling an unknown id must not cancel registered work")
	default:
	}
}

func TestRegistryReleaseRemovesEntry(t *testing.T) {
	r := NewRegistry()

	_, release1 := r.Register(context.Background(), "t1")
	_, release2 := r.Register(context.Background(), "t2")
	if got := r.Len(); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}

	release1()
	release2()
	if got := r.Len(); got != 0 {
		t.Fatalf("expected released registry to be empty, got %d entries", got)
	}
}

func TestRegistrySignalInterruptsWait(t *testing.T) {
	r := NewRegistry()

	ctx, release := r.Register(context.Background(), "t1")
	defer release()

	done := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
			done <- context.Cause(ctx)
		case <-time.After(5 * time.Second):
			done <- nil
		}
	}()

	time.Sleep(10 * time.Millisecond)
	r.Signal("t1", scrape.ErrAborted)

	select {
	case cause := <-done:
		if !errors.Is(cause, scrape.ErrAborted) {
			t.Fatalf("expected abort to interrupt the wait, got %v", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abort signal did not reach the waiter")
	}
}
