package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckAllHealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("store", func(ctx context.Context) error { return nil })
	r.Register("settlement", func(ctx context.Context) error { return nil })

	results, ok := r.Check(context.Background())
	if !ok {
		t.Fatal("expected overall healthy")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for name, st := range results {
		if !st.Healthy {
			t.Errorf("%s should be healthy: %s", name, st.Error)
		}
	}
}

func TestCheckReportsFailure(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("store", func(ctx context.Context) error { return nil })
	r.Register("db", func(ctx context.Context) error { return errors.New("connection refused") })

	results, ok := r.Check(context.Background())
	if ok {
		t.Fatal("expected overall unhealthy")
	}
	if results["db"].Healthy {
		t.Error("db should be unhealthy")
	}
	if results["db"].Error != "connection refused" {
		t.Errorf("unexpected error: %q", results["db"].Error)
	}
}

func TestCheckTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	_, ok := r.Check(context.Background())
	if ok {
		t.Fatal("slow checker should fail the overall check")
	}
}
