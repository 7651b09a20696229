package link

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy is the bounded connect retry used by bulk connects. Each mode
// in Modes is tried once, in order, until one succeeds. The default is an
// auto-reconnect attempt followed by exactly one direct attempt.
type RetryPolicy struct {
	Modes []ConnectMode
	Delay time.Duration // pause between attempts
}

// DefaultRetryPolicy returns auto then direct with no delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Modes: []ConnectMode{ModeAuto, ModeDirect}}
}

// Attempts returns the maximum number of connect attempts per device.
func (p RetryPolicy) Attempts() int {
	return len(p.Modes)
}

// Validate checks the policy has at least one known mode.
func (p RetryPolicy) Validate() error {
	if len(p.Modes) == 0 {
		return errors.New("link: retry policy has no modes")
	}
	for _, m := range p.Modes {
		if _, err := ParseConnectMode(string(m)); err != nil {
			return err
		}
	}
	if p.Delay < 0 {
		return fmt.Errorf("link: negative retry delay %s", p.Delay)
	}
	return nil
}

type stopError struct{ err error }

func (e stopError) Error() string {
	if e.err == nil {
		return "retry stopped"
	}
	return e.err.Error()
}

func (e stopError) Unwrap() error { return e.err }

// Stop wraps err so Run returns it without trying the remaining modes.
// Stop(nil) ends the sequence successfully.
func Stop(err error) error {
	return stopError{err: err}
}

// Run calls fn once per mode until fn succeeds, fn returns a Stop error, or
// ctx is done. It returns the number of attempts made, the mode of the last
// attempt and the last error.
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context, mode ConnectMode, attempt int) error) (int, ConnectMode, error) {
	var (
		lastErr  error
		lastMode ConnectMode
		attempts int
	)
	for i, mode := range p.Modes {
		if i > 0 && p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, lastMode, lastErr
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return attempts, lastMode, lastErr
		}

		attempts++
		lastMode = mode
		err := fn(ctx, mode, i+1)
		if err == nil {
			return attempts, mode, nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return attempts, mode, stop.err
		}
		lastErr = err
	}
	return attempts, lastMode, lastErr
}
