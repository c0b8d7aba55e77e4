package chat

import "time"

// Default timing limits for one chat request.
const (
	DefaultTotalTimeout      = 60 * time.Second
	DefaultConnectTimeout    = 12 * time.Second
	DefaultFirstTokenTimeout = 30 * time.Second
	DefaultStallTimeout      = 15 * time.Second
)

// Timeouts groups the four timing limits applied to a request.
type Timeouts struct {
	// Total bounds the whole request, all attempts and the relay included.
	Total time.Duration
	// Connect bounds the wait for upstream response headers.
	Connect time.Duration
	// FirstToken bounds the wait for the first visible fragment.
	FirstToken time.Duration
	// Stall bounds each individual read once relaying has started.
	Stall time.Duration
}

// withDefaults fills zero fields with the package defaults.
func (t Timeouts) withDefaults() Timeouts {
	if t.Total <= 0 {
		t.Total = DefaultTotalTimeout
	}
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.FirstToken <= 0 {
		t.FirstToken = DefaultFirstTokenTimeout
	}
	if t.Stall <= 0 {
		t.Stall = DefaultStallTimeout
	}
	return t
}

// Budget is the per-request clock. It is created when the request arrives
// and every wait in the request is clamped against it.
type Budget struct {
	start time.Time
	total time.Duration
	now   func() time.Time
}

// NewBudget starts a budget of the given total duration.
func NewBudget(total time.Duration) *Budget {
	return newBudget(total, time.Now)
}

func newBudget(total time.Duration, now func() time.Time) *Budget {
	if total <= 0 {
		total = DefaultTotalTimeout
	}
	return &Budget{start: now(), total: total, now: now}
}

// Elapsed returns the time since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// Remaining returns the unspent part of the budget, never negative.
func (b *Budget) Remaining() time.Duration {
	left := b.total - b.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Exhausted reports whether no time is left.
func (b *Budget) Exhausted() bool {
	return b.Remaining() <= 0
}

// Clamp bounds d to [0, Remaining()].
func (b *Budget) Clamp(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if left := b.Remaining(); d > left {
		return left
	}
	return d
}
