package resilience

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func fastRetryConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
		BreakerEnabled:      false,
	}
}

func TestCallRetriesRetryableStatus(t *testing.T) {
	exec := NewExecutor(fastRetryConfig())

	attempts := 0
	hits, err := Call(context.Background(), exec, "qdrant.search", func(context.Context) ([]string, error) {
		attempts++
		if attempts < 3 {
			return nil, &StatusError{Service: "qdrant", Operation: "search", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}
		}
		return []string{"f1"}, nil
	}, ClassifyTransport)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 || len(hits) != 1 {
		t.Fatalf("expected 3 attempts and one hit, got %d attempts, %v", attempts, hits)
	}
}

func TestExecuteDoesNotRetryClientErrors(t *testing.T) {
	exec := NewExecutor(fastRetryConfig())

	attempts := 0
	badRequest := &StatusError{Service: "qdrant", Operation: "search", StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}
	err := exec.Execute(context.Background(), "qdrant.search", func(context.Context) error {
		attempts++
		return badRequest
	}, nil)
	if !errors.Is(err, badRequest) {
		t.Fatalf("expected bad request error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestExecuteBoundsEachAttempt(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.RetryMaxAttempts = 1
	cfg.AttemptTimeout = 20 * time.Millisecond
	exec := NewExecutor(cfg)

	err := exec.Execute(context.Background(), "neo4j.search", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected attempt deadline, got %v", err)
	}
}

func TestExecuteOpensCircuitAfterFailures(t *testing.T) {
	var transitions []gobreaker.State
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         time.Millisecond,
		RetryMultiplier:         2,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      50 * time.Millisecond,
		BreakerHalfOpenMaxCalls: 1,
	}, WithStateObserver(func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	}))

	errDown := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "op", func(context.Context) error {
			return errDown
		}, nil)
		if !errors.Is(err, errDown) {
			t.Fatalf("expected failure on iteration %d, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "op", func(context.Context) error {
		t.Fatalf("circuit should be open and must not call operation")
		return nil
	}, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if exec.State("op") != gobreaker.StateOpen || len(transitions) != 1 || transitions[0] != gobreaker.StateOpen {
		t.Fatalf("expected one transition to open, got %v", transitions)
	}
	if exec.State("never-called") != gobreaker.StateClosed {
		t.Fatalf("unknown operations should report closed")
	}
}

func TestUnavailableTagsErrorKinds(t *testing.T) {
	retryable := &StatusError{Service: "ollama", Operation: "embed", StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"}
	err := Unavailable("embed query", retryable, nil)
	if !domain.IsKind(err, domain.ErrAdapterUnavailable) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected unavailable and temporary, got %v", err)
	}

	permanent := &StatusError{Service: "ollama", Operation: "embed", StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}
	err = Unavailable("embed query", permanent, nil)
	if !domain.IsKind(err, domain.ErrAdapterUnavailable) || domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected unavailable only, got %v", err)
	}

	notFound := domain.NewError(domain.ErrNotFound, "fragment text", "missing")
	if got := Unavailable("read", notFound, nil); got != notFound {
		t.Fatalf("typed errors must pass through, got %v", got)
	}
	if got := Unavailable("read", context.Canceled, nil); !errors.Is(got, context.Canceled) || domain.IsKind(got, domain.ErrAdapterUnavailable) {
		t.Fatalf("cancellation must pass through, got %v", got)
	}
}

func TestOperationPoliciesOverrideAttempts(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.Operations = StoreAndInference(20 * time.Millisecond)
	exec := NewExecutor(cfg)
	unavailable := &StatusError{Service: "ollama", Operation: "generate", StatusCode: http.StatusServiceUnavailable, Status: "503 Service Unavailable"}

	generateAttempts := 0
	_ = exec.Execute(context.Background(), "ollama.generate", func(context.Context) error {
		generateAttempts++
		return unavailable
	}, nil)
	if generateAttempts != 1 {
		t.Fatalf("generation must not be retried, got %d attempts", generateAttempts)
	}

	embedAttempts := 0
	_ = exec.Execute(context.Background(), "ollama.embed", func(context.Context) error {
		embedAttempts++
		return unavailable
	}, nil)
	if embedAttempts != 3 {
		t.Fatalf("embed should keep the global attempts, got %d", embedAttempts)
	}

	if got := exec.cfg.policyFor("qdrant.search").attemptTimeout; got != 20*time.Millisecond {
		t.Fatalf("expected store attempt timeout, got %s", got)
	}
	if got := exec.cfg.policyFor("nats.publish"); got.maxAttempts != 3 || got.attemptTimeout != 0 {
		t.Fatalf("unmatched operation should use globals, got %+v", got)
	}
}
