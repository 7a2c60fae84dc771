package session

import (
	"time"
)

const (
	rateWindow      = time.Minute
	maxBackoff      = 60 * time.Second
	maxPenaltyLevel = 6
	replayCapacity  = 100
)

// rateState is the per-session admission window. Penalties escalate
// exponentially for repeat offenders and decay one level per clean window.
type rateState struct {
	count         int
	windowResetAt time.Time
	penaltyLevel  int
	backoffUntil  time.Time
}

// rateOutcome is the decision for one command.
type rateOutcome struct {
	allowed    bool
	retryAfter time.Duration
}

// admit applies the window algorithm in order: active back-off first, then
// window roll (one penalty level decays), then the counter check. Exceeding
// the ceiling raises the penalty level and arms a back-off of
// min(60s, 2^level seconds).
func (rs *rateState) admit(now time.Time, maxPerWindow int) rateOutcome {
	if now.Before(rs.backoffUntil) {
		return rateOutcome{retryAfter: rs.backoffUntil.Sub(now)}
	}

	// The boundary instant belongs to the fresh window.
	if !now.Before(rs.windowResetAt) {
		rs.count = 0
		rs.windowResetAt = now.Add(rateWindow)
		if rs.penaltyLevel > 0 {
			rs.penaltyLevel--
		}
	}

	rs.count++
	if rs.count > maxPerWindow {
		if rs.penaltyLevel < maxPenaltyLevel {
			rs.penaltyLevel++
		}
		backoff := min(maxBackoff, time.Duration(1<<rs.penaltyLevel)*time.Second)
		rs.backoffUntil = now.Add(backoff)
		rs.count = 0
		rs.windowResetAt = now.Add(rateWindow)
		return rateOutcome{retryAfter: backoff}
	}

	return rateOutcome{allowed: true}
}
