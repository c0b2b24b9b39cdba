package matchupapi

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	v, err := retry(context.Background(), 3, time.Millisecond, nil, func() (int, error) {
		calls++
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("retry = %d, %v", v, err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	sentinel := errors.New("persistent failure")
	calls := 0
	notified := 0
	_, err := retry(context.Background(), 3, time.Millisecond, func(error, time.Duration) { notified++ }, func() (int, error) {
		calls++
		return 0, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want wrapping sentinel", err)
	}
	if calls != 3 {
		t.Errorf("called %d times, want 3", calls)
	}
	if notified != 2 {
		t.Errorf("notify called %d times, want 2", notified)
	}
}

func TestRetry_PermanentStatusStops(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), 3, time.Millisecond, nil, func() (int, error) {
		calls++
		return 0, &StatusError{StatusCode: http.StatusUnauthorized}
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Errorf("err = %v, want StatusError", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry(ctx, 3, time.Minute, nil, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("called %d times, want 1", calls)
	}
}

func TestStatusError_Retryable(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, false}, {401, false}, {404, false}, {429, true}, {500, true}, {503, true},
	}
	for _, tt := range tests {
		if got := (&StatusError{StatusCode: tt.code}).Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
