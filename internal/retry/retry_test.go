package retry

import (
	"context"
	"errors"
	"testing"
)

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxRetries: 3}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return AsTransient(errors.New("temporary"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxRetries: 3}, func(ctx context.Context) error {
		attempts++
		return AsPermanent(errors.New("bad request"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent error, got %d", attempts)
	}
}

func TestIsTransientDistinguishesTags(t *testing.T) {
	if IsTransient(AsPermanent(errors.New("x"))) {
		t.Fatal("permanent error reported as transient")
	}
	if !IsTransient(AsTransient(errors.New("x"))) {
		t.Fatal("transient error not reported as transient")
	}
	if IsTransient(errors.New("untagged")) {
		t.Fatal("untagged error should not be treated as transient")
	}
}
