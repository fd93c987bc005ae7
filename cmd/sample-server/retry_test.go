package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_ExponentialWithCap(t *testing.T) {
	p := newRetryPolicy(100*time.Millisecond, time.Second, 10)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := p.nextDelay(); got != w {
			t.Errorf("nextDelay() #%d = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicy_InitialAboveMax(t *testing.T) {
	p := newRetryPolicy(5*time.Second, time.Second, 3)
	if d := p.nextDelay(); d != time.Second {
		t.Errorf("nextDelay() = %v, want capped 1s", d)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := newRetryPolicy(time.Millisecond, 5*time.Millisecond, 5)
	calls := 0
	var failures []int

	err := retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("agent not up")
		}
		return nil
	}, func(attempt int, _ error) { failures = append(failures, attempt) })

	if err != nil {
		t.Fatalf("retry() error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(failures) != 2 || failures[0] != 1 || failures[1] != 2 {
		t.Errorf("failures = %v, want [1 2]", failures)
	}
}

func TestRetry_GivesUpAfterAttempts(t *testing.T) {
	p := newRetryPolicy(time.Millisecond, time.Millisecond, 3)
	calls := 0
	last := errors.New("still down")

	err := retry(context.Background(), p, func(context.Context) error {
		calls++
		return last
	}, nil)

	if !errors.Is(err, last) {
		t.Errorf("retry() error = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	p := newRetryPolicy(time.Hour, time.Hour, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry(ctx, p, func(context.Context) error {
		calls++
		return errors.New("down")
	}, nil)

	if err == nil {
		t.Fatal("retry() should fail when ctx is cancelled")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
