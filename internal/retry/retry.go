// Package retry decides what happens to a job after a failed attempt:
// reschedule with a backoff delay, dead-letter, or fail permanently.
// Policies are stateless and safe for concurrent use.
package retry

import "time"

// Strategy computes the delay before the next attempt after attempt n
// (1-indexed) failed.
type Strategy interface {
	Delay(attemptNo int) time.Duration
}

// Schedule is a fixed list of delays indexed by attempt number. Attempts past
// the end of the list reuse the last delay.
type Schedule []time.Duration

// DefaultSchedule is 15s, 60s, 5m, 30m, 2h.
var DefaultSchedule = Schedule{
	15 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// Delay returns the delay for attemptNo, clamped to the schedule bounds.
func (s Schedule) Delay(attemptNo int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	idx := attemptNo - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(s)-1 {
		idx = len(s) - 1
	}
	return s[idx]
}

// Action is the outcome a Policy picks for a failed attempt.
type Action int

const (
	// Retry puts the job back to pending with run_after = now + Delay.
	Retry Action = iota
	// DeadLetter moves the job to dead: retries are exhausted.
	DeadLetter
	// Fail moves the job to failed: the failure is permanent and retrying
	// cannot help.
	Fail
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	case Fail:
		return "fail"
	}
	return "unknown"
}

// Decision is the result of Policy.Decide.
type Decision struct {
	Action Action
	Delay  time.Duration // only meaningful for Retry
}

// Policy combines a backoff strategy with the max-attempts rule.
type Policy struct {
	Backoff Strategy
}

// DefaultPolicy returns a Policy using DefaultSchedule.
func DefaultPolicy() Policy {
	return Policy{Backoff: DefaultSchedule}
}

// Decide picks the action for a failure of attempt attemptNo on a job
// allowing maxAttempts attempts. Non-retryable failures fail immediately;
// retryable ones are retried while attemptNo < maxAttempts.
func (p Policy) Decide(attemptNo, maxAttempts int, retryable bool) Decision {
	if !retryable {
		return Decision{Action: Fail}
	}
	if attemptNo >= maxAttempts {
		return Decision{Action: DeadLetter}
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultSchedule
	}
	return Decision{Action: Retry, Delay: backoff.Delay(attemptNo)}
}
