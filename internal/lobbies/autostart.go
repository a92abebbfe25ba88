package lobbies

import "time"

// AutoStartPolicy decides when an automated lobby launches its game:
// a longer countdown once minimum player requirements hold, cut short
// when every team is full, and reset whenever requirements lapse.
type AutoStartPolicy struct {
	waitAfterMin  time.Duration
	waitAfterFull time.Duration

	armed    bool
	deadline time.Time
}

func NewAutoStartPolicy(waitAfterMin, waitAfterFull time.Duration) *AutoStartPolicy {
	return &AutoStartPolicy{
		waitAfterMin:  waitAfterMin,
		waitAfterFull: waitAfterFull,
	}
}

// Evaluate advances the countdown. Callers serialize access (the lobby
// calls it under its own lock).
func (p *AutoStartPolicy) Evaluate(now time.Time, minOK, fullOK bool) bool {
	if !minOK {
		p.Reset()
		return false
	}
	if !p.armed {
		p.armed = true
		p.deadline = now.Add(p.waitAfterMin)
	}
	if fullOK {
		if short := now.Add(p.waitAfterFull); short.Before(p.deadline) {
			p.deadline = short
		}
	}
	return !now.Before(p.deadline)
}

// Reset disarms the countdown.
func (p *AutoStartPolicy) Reset() {
	p.armed = false
	p.deadline = time.Time{}
}
