// Package retry re-runs a failing operation with a jittered cooldown so
// concurrent callers do not retry in lockstep.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"tpn/internal/logging"
)

type Policy struct {
	Retries      int
	Cooldown     time.Duration
	JitterFactor float64
}

// DefaultJitterFactor spreads each cooldown by ±25%.
const DefaultJitterFactor = 0.25

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }

func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn once plus up to p.Retries more times while it fails. The last
// error is returned, unwrapped from Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var permanent *permanentError
		if errors.As(err, &permanent) {
			return permanent.err
		}

		if attempt >= p.Retries {
			return err
		}

		wait := Jitter(p.Cooldown, p.JitterFactor)
		logging.WithContextFields(logging.LogFields{
			"attempt": attempt + 1,
			"retries": p.Retries,
			"wait":    wait.String(),
			"error":   err.Error(),
		}).Info("retrying after failure")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

// Jitter returns d adjusted by a random amount in [-d*factor, +d*factor].
func Jitter(d time.Duration, factor float64) time.Duration {
	a := int64(math.Ceil(float64(d) * factor))
	if a <= 0 {
		return d
	}
	r := rand.Int63n(2*a + 1)
	return d + time.Duration(r-a)
}
