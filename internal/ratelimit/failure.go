package ratelimit

// ExceededTierError is reported by a closed FailurePolicy.
const ExceededTierError = "error"

// FailurePolicy decides the result of a check whose store interaction failed.
// It is only consulted for store errors, never for ordinary denials.
type FailurePolicy struct {
	FailOpen bool
}

func (p FailurePolicy) Decide(limit int64, algo Algorithm) Result {
	if p.FailOpen {
		return Result{Allowed: true, Remaining: limit, Limit: limit, Algorithm: algo}
	}
	return Result{Allowed: false, Remaining: 0, Limit: limit, ExceededTier: ExceededTierError, Algorithm: algo}
}

func (p FailurePolicy) mode() string {
	if p.FailOpen {
		return "open"
	}
	return "closed"
}
