package retry

import (
	"testing"
	"time"

	"portal-orchestrator/internal/models"
)

func TestDecide(t *testing.T) {
	policy := Policy{MaxAttempts: 2, Delay: time.Minute}

	tests := []struct {
		name    string
		attempt int
		kind    FailureKind
		retry   bool
		status  string
	}{
		{"first transport failure retries", 1, KindTransport, true, ""},
		{"second timeout retries", 2, KindTimeout, true, ""},
		{"third attempt is final", 3, KindTransport, false, models.StatusFailed},
		{"worker error retries", 1, KindWorkerError, true, ""},
		{"stale reclamation retries", 1, KindStale, true, ""},
		{"validation never retries", 1, KindValidation, false, models.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Decide(tt.attempt, tt.kind)
			if d.Retry != tt.retry {
				t.Fatalf("Decide(%d, %s).Retry = %v, want %v", tt.attempt, tt.kind, d.Retry, tt.retry)
			}
			if tt.retry && d.Delay != time.Minute {
				t.Fatalf("expected fixed delay, got %s", d.Delay)
			}
			if !tt.retry && d.Status != tt.status {
				t.Fatalf("Decide(%d, %s).Status = %q, want %q", tt.attempt, tt.kind, d.Status, tt.status)
			}
		})
	}
}

func TestRetryBound(t *testing.T) {
	// A job whose every attempt fails settles after exactly MaxAttempts+1
	// total attempts.
	policy := Policy{MaxAttempts: 2, Delay: time.Second}
	attempts := 0
	for {
		attempts++
		d := policy.Decide(attempts, KindTimeout)
		if !d.Retry {
			break
		}
	}
	if attempts != 3 {
		t.Fatalf("expected 3 total attempts, got %d", attempts)
	}
}
