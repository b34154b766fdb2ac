package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	wsErrors "github.com/bardlex/wsgate/pkg/errors"
)

func fastConfig(attempts int) *Config {
	return &Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestPresetConfigs(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		attempts int
		base     time.Duration
	}{
		{"default", DefaultConfig(), 3, 100 * time.Millisecond},
		{"rpc", RPCConfig(), 2, 50 * time.Millisecond},
		{"publish", PublishConfig(), 5, 50 * time.Millisecond},
		{"database", DatabaseConfig(), 3, 200 * time.Millisecond},
		{"listen", ListenConfig(), math.MaxInt32, 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.config.MaxAttempts != tt.attempts {
				t.Errorf("Expected MaxAttempts = %d, got %d", tt.attempts, tt.config.MaxAttempts)
			}
			if tt.config.BaseDelay != tt.base {
				t.Errorf("Expected BaseDelay = %v, got %v", tt.base, tt.config.BaseDelay)
			}
			if tt.config.MaxDelay < tt.config.BaseDelay {
				t.Errorf("MaxDelay %v below BaseDelay %v", tt.config.MaxDelay, tt.config.BaseDelay)
			}
		})
	}
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	callCount := 0
	var retried []int
	config := fastConfig(3)
	config.OnRetry = func(attempt int, _ error, _ time.Duration) {
		retried = append(retried, attempt)
	}

	err := Do(context.Background(), config, func() error {
		callCount++
		if callCount == 1 {
			return wsErrors.New(wsErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Errorf("Expected OnRetry called once with attempt 1, got %v", retried)
	}
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		callCount++
		return wsErrors.New(wsErrors.ErrorTypeKafka, "publish", "broker unavailable")
	})

	if err == nil {
		t.Fatal("Expected error after max attempts")
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
	if !wsErrors.IsType(err, wsErrors.ErrorTypeUpstream) {
		t.Error("Expected exhausted retries to surface as upstream error")
	}
	if code, _ := wsErrors.Code(err); code != wsErrors.CodeUpstream {
		t.Errorf("Expected wire code %d, got %d", wsErrors.CodeUpstream, code)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		callCount++
		return wsErrors.New(wsErrors.ErrorTypeValidation, "test", "validation error")
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call for non-retryable error, got %d", callCount)
	}
	if !wsErrors.IsType(err, wsErrors.ErrorTypeValidation) {
		t.Error("Expected original error type to be preserved")
	}
}

func TestDo_RegularError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		callCount++
		return errors.New("regular error")
	})

	if err == nil {
		t.Error("Expected error")
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call (no retry for regular error), got %d", callCount)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		cancel()
		return wsErrors.New(wsErrors.ErrorTypeNetwork, "test", "network error")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", wsErrors.New(wsErrors.ErrorTypeUpstream, "rpc", "timeout")
		}
		return "42", nil
	})

	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if result != "42" {
		t.Errorf("Expected result '42', got '%s'", result)
	}
}

func TestDoWithResult_NilConfig(t *testing.T) {
	callCount := 0
	result, err := DoWithResult(context.Background(), nil, func() (int, error) {
		callCount++
		if callCount == 1 {
			return 0, wsErrors.New(wsErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return 7, nil
	})

	if err != nil || result != 7 {
		t.Errorf("Expected (7, nil), got (%d, %v)", result, err)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     false,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
		{5, 1 * time.Second},
	}

	for _, tt := range tests {
		if delay := config.calculateDelay(tt.attempt); delay != tt.expected {
			t.Errorf("For attempt %d, expected delay %v, got %v", tt.attempt, tt.expected, delay)
		}
	}
}

func TestConfig_calculateDelay_WithJitter(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}

	for i := 0; i < 20; i++ {
		d := config.calculateDelay(0)
		if d < 100*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("Delay with jitter out of range: %v", d)
		}
	}
}
