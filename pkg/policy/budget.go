package policy

import "time"

// tokenBudget is a consumable per-definition allowance that refills on a
// fixed period or on explicit operator reset. Not safe for concurrent use;
// the engine serializes access per definition.
type tokenBudget struct {
	limit     int
	remaining int
	period    time.Duration
	resetAt   time.Time
}

func newTokenBudget(limit int, period time.Duration, now time.Time) *tokenBudget {
	return &tokenBudget{
		limit:     limit,
		remaining: limit,
		period:    period,
		resetAt:   now.Add(period),
	}
}

// debit atomically consumes cost tokens. On insufficient budget the balance
// is left untouched and false is returned.
func (b *tokenBudget) debit(now time.Time, cost int) bool {
	if b.limit <= 0 {
		return true
	}
	b.rollover(now)
	if cost > b.remaining {
		return false
	}
	b.remaining -= cost
	return true
}

// rollover refills the budget when the reset period has elapsed.
func (b *tokenBudget) rollover(now time.Time) {
	if !now.Before(b.resetAt) {
		b.remaining = b.limit
		for !now.Before(b.resetAt) {
			b.resetAt = b.resetAt.Add(b.period)
		}
	}
}

// reset refills immediately (operator action).
func (b *tokenBudget) reset(now time.Time) {
	b.remaining = b.limit
	b.resetAt = now.Add(b.period)
}
