package photos

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPhase is the phase of a RetryState.
type RetryPhase int

const (
	Idle RetryPhase = iota
	Requesting
	Backoff
	Exhausted
)

var (
	ErrRetriesExhausted = errors.New("retries exhausted")
	errIllegalPhase     = errors.New("illegal retry phase transition")
)

func (p RetryPhase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case Requesting:
		return "REQUESTING"
	case Backoff:
		return "BACKOFF"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(p))
	}
}

// RetryState tracks a single logical request through it's attempts:
//
//	Idle -> Requesting -> (success) Idle
//	                   -> (retryable failure) Backoff -> Requesting
//	                   -> (attempts exhausted) Exhausted
//
// A non-retryable failure returns the state to Idle. The backoff intervals
// are drawn from the backoff.BackOff provided, which is reset whenever a
// request completes.
type RetryState struct {
	phase       RetryPhase
	attempt     int
	maxAttempts int
	backoff     backoff.BackOff
	lastErr     error
}

func NewRetryState(maxAttempts int, b backoff.BackOff) *RetryState {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b.Reset()
	return &RetryState{phase: Idle, maxAttempts: maxAttempts, backoff: b}
}

func (s *RetryState) Phase() RetryPhase { return s.phase }
func (s *RetryState) Attempt() int      { return s.attempt }
func (s *RetryState) LastErr() error    { return s.lastErr }

// Begin moves the state to Requesting. It is only legal from Idle or Backoff.
func (s *RetryState) Begin() error {
	switch s.phase {
	case Idle:
		s.attempt = 0
		s.lastErr = nil
	case Backoff:
	case Exhausted:
		return fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, s.attempt, s.lastErr)
	default:
		return fmt.Errorf("%w: cannot begin request from %s", errIllegalPhase, s.phase)
	}

	s.attempt++
	s.phase = Requesting
	return nil
}

// Succeed completes the in-flight request and returns the state to Idle.
func (s *RetryState) Succeed() {
	s.phase = Idle
	s.lastErr = nil
	s.backoff.Reset()
}

// Fail records the failure of the in-flight request. If the failure is
// retryable and attempts remain, the state moves to Backoff and the duration
// to wait before the next Begin is returned along with true. Otherwise false
// is returned, and the state is either Exhausted (retryable failure on the
// final attempt) or Idle (non-retryable failure).
func (s *RetryState) Fail(err error, retryable bool) (time.Duration, bool) {
	s.lastErr = err
	if !retryable {
		s.phase = Idle
		s.backoff.Reset()
		return 0, false
	}

	if s.attempt >= s.maxAttempts {
		s.phase = Exhausted
		return 0, false
	}

	wait := s.backoff.NextBackOff()
	if wait == backoff.Stop {
		s.phase = Exhausted
		return 0, false
	}

	s.phase = Backoff
	return wait, true
}

// Err returns the error describing the terminal state, if any.
func (s *RetryState) Err() error {
	if s.phase == Exhausted {
		return fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, s.attempt, s.lastErr)
	}

	return s.lastErr
}

func newExponentialBackOff(initial time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
