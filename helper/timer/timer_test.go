package timer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunWithTickerStopsOnError(t *testing.T) {
	errStop := errors.New("stop")
	calls := 0

	err := RunWithTicker(context.Background(), &Interval{Duration: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("Expected errStop, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("Expected 3 calls, got %d", calls)
	}
}

func TestRunWithTickerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	err := RunWithTicker(ctx, &Interval{Duration: time.Millisecond, Jitter: 500 * time.Microsecond}, func(ctx context.Context) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestIntervalValidate(t *testing.T) {
	if err := (&Interval{Duration: time.Second, Jitter: time.Second}).Validate(); err == nil {
		t.Fatal("Expected jitter equal to duration to be rejected")
	}
	if err := (&Interval{}).Validate(); err == nil {
		t.Fatal("Expected zero duration to be rejected")
	}
	if err := (&Interval{Duration: time.Second, Jitter: time.Millisecond}).Validate(); err != nil {
		t.Fatal(err)
	}
}
