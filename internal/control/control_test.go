package control

import (
	"context"
	"testing"
	"time"
)

func TestRetryBackoffSeconds(t *testing.T) {
	cases := []struct {
		attempt int
		want    int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 4},
		{6, 30},
		{64, 30},
	}
	for _, c := range cases {
		got := RetryBackoffSeconds(c.attempt)
		if got != c.want {
			t.Fatalf("attempt=%d got=%d want=%d", c.attempt, got, c.want)
		}
	}
}

func TestBackoff_Floor(t *testing.T) {
	if got := Backoff(0, time.Second); got != time.Second {
		t.Fatalf("got %v", got)
	}
	if got := Backoff(3, time.Second); got != 4*time.Second {
		t.Fatalf("got %v", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if Sleep(ctx, time.Hour) {
		t.Fatal("expected cancelled sleep to report false")
	}
	if !Sleep(context.Background(), time.Millisecond) {
		t.Fatal("expected completed sleep to report true")
	}
}
