package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func fastPolicy(isTransient func(error) bool) Policy {
	return Policy{
		MaxAttempts:  3,
		BaseInterval: time.Millisecond,
		IsTransient:  isTransient,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	v, err := Do(context.Background(), fastPolicy(func(error) bool { return true }),
		func() (string, error) {
			attempts++
			if attempts < 3 {
				return "", errFlaky
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if v != "ok" {
		t.Errorf("value = %q", v)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(func(error) bool { return false }),
		func() (int, error) {
			attempts++
			return 0, errFlaky
		})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("permanent error must not retry, attempts = %d", attempts)
	}
}

func TestDo_ExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), fastPolicy(func(error) bool { return true }),
		func() (int, error) {
			attempts++
			return 0, errFlaky
		})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected original error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, fastPolicy(func(error) bool { return true }),
		func() (int, error) { return 0, errFlaky })
	if err == nil {
		t.Fatal("expected error under canceled context")
	}
}
