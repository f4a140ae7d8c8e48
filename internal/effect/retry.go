package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultSettleDelay = time.Second
)

// RetryPolicy bounds handle construction.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration // delay between attempts, 0 means back to back

	// SettleDelay is the pause between disabling and re-enabling a handle
	// that needs a resync.
	SettleDelay time.Duration

	// OnAttempt, when set, is called after every construction attempt.
	OnAttempt func(sessionID, attempt int, err error)
}

// DefaultRetryPolicy returns 5 back-to-back attempts and a 1s settle delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		SettleDelay: defaultSettleDelay,
	}
}

// Acquire constructs a handle for sessionID, retrying per policy.
// When every attempt fails the returned error wraps ErrEffectUnavailable.
//
// A handle obtained after a partial construction failure starts with
// NeedsResync set. Plain failures leave no native state behind and do not.
func Acquire(ctx context.Context, native Native, sessionID int, policy RetryPolicy) (*Handle, error) {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		lastErr error
		partial bool
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && policy.Backoff > 0 {
			t := time.NewTimer(policy.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fmt.Errorf("effect: acquire session %d: %w", sessionID, ctx.Err())
			case <-t.C:
			}
		}

		id, err := native.Construct(ctx, TypeCustom, TypeDSP, DefaultPriority, sessionID)
		if policy.OnAttempt != nil {
			policy.OnAttempt(sessionID, attempt, err)
		}
		if err == nil {
			h := newHandle(native, id, sessionID, policy.SettleDelay)
			h.needsResync = partial
			if attempt > 1 {
				slog.Info("effect: handle acquired after retries", "session", sessionID, "attempt", attempt, "resync", partial)
			}
			return h, nil
		}

		lastErr = err
		if errors.Is(err, ErrPartialConstruct) {
			partial = true
		}
		slog.Debug("effect: construct failed", "session", sessionID, "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("effect: acquire session %d: %w", sessionID, ctx.Err())
		}
	}
	return nil, fmt.Errorf("effect: session %d after %d attempts: %w: %v", sessionID, attempts, ErrEffectUnavailable, lastErr)
}
