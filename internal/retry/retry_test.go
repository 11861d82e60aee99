package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	tests := []struct {
		name         string
		attempts     int
		failures     int
		failWith     error
		wantAttempts int
		wantErr      error
	}{
		{name: "first try", attempts: 3, wantAttempts: 1},
		{name: "recovers", attempts: 3, failures: 2, failWith: errTransient, wantAttempts: 3},
		{name: "exhausted", attempts: 3, failures: 5, failWith: errTransient, wantAttempts: 3, wantErr: errTransient},
		{name: "permanent stops", attempts: 3, failures: 5, failWith: Permanent(errFatal), wantAttempts: 1, wantErr: errFatal},
		{name: "zero attempts means one", attempts: 0, failures: 5, failWith: errTransient, wantAttempts: 1, wantErr: errTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			result := Do(context.Background(), fastConfig(tt.attempts), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if result.Attempts != tt.wantAttempts || calls != tt.wantAttempts {
				t.Errorf("attempts = %d (calls %d), want %d", result.Attempts, calls, tt.wantAttempts)
			}
			if !errors.Is(result.Err, tt.wantErr) || (tt.wantErr == nil && result.Err != nil) {
				t.Errorf("err = %v, want %v", result.Err, tt.wantErr)
			}
			if IsPermanent(result.Err) {
				t.Error("returned error should be unwrapped from PermanentError")
			}
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := Do(ctx, Config{MaxAttempts: 5, InitialDelay: time.Hour}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(result.Err, context.Canceled) || calls != 1 {
		t.Errorf("err = %v calls = %d", result.Err, calls)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	v, result := DoWithValue(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("again")
		}
		return "ok", nil
	})
	if v != "ok" || result.Err != nil || result.Attempts != 2 {
		t.Errorf("v=%q result=%+v", v, result)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("x")
	if err := Permanent(base); !IsPermanent(err) || !errors.Is(err, base) {
		t.Errorf("Permanent wrapping broken: %v", err)
	}
}
