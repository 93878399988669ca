package qubes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultWaitTimeout = time.Minute

var errNotYet = errors.New("state not reached")

// TimeoutError is returned when a domain did not reach a power state in time.
type TimeoutError struct {
	Domain  string
	Want    State
	Last    State
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s did not become %s within %s (last seen %s)", e.Domain, e.Want, e.Timeout, e.Last)
	if e.Err != nil && !errors.Is(e.Err, errNotYet) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// WaitForState polls name until it is observed in want, backing off from
// interval up to four times interval, for at most timeout. A domain that
// disappears counts as halted, since disposables remove themselves on
// shutdown.
func WaitForState(ctx context.Context, m Manager, name string, want State, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = interval
	eb.MaxInterval = 4 * interval
	eb.MaxElapsedTime = timeout

	last := StateUnknown
	op := func() error {
		st, err := m.State(ctx, name)
		if errors.Is(err, ErrNotFound) && want == StateHalted {
			last = StateHalted
			return nil
		}
		if err != nil {
			return err
		}
		last = st
		if st != want {
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(eb, ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("wait for %s to become %s: %w", name, want, ctxErr)
	}
	return &TimeoutError{Domain: name, Want: want, Last: last, Timeout: timeout, Err: err}
}
