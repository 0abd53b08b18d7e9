package policy

import "errors"

// Policy rejections. These are returned at the gate, logged, and never cause
// an instance restart.
var (
	// ErrAuthFailure means the caller presented no credential or an invalid
	// one for a definition that requires auth.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrRateLimitExceeded covers both the sliding-window request limit and
	// the in-flight concurrency cap.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTokenBudgetExceeded means the remaining budget cannot cover the
	// declared cost. The budget is left unchanged on rejection.
	ErrTokenBudgetExceeded = errors.New("token budget exceeded")

	// ErrPolicyViolation means the operation name matched a blocked-command
	// pattern.
	ErrPolicyViolation = errors.New("operation blocked by policy")
)
