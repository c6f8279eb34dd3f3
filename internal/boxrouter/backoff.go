package boxrouter

import "time"

// retrySchedule is the escalating wait before each reconnect attempt. Once
// exhausted the router gives up and settles to disconnected.
var retrySchedule = []time.Duration{
	2 * time.Second,
	2 * time.Second,
	4 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	time.Minute,
	2 * time.Minute,
	4 * time.Minute,
	8 * time.Minute,
	time.Hour,
	3 * time.Hour,
	8 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	24 * time.Hour,
}

// NextDelay returns the wait before retry number attempt (0-based), or
// ok=false once the schedule is exhausted.
func NextDelay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 0 || attempt >= len(retrySchedule) {
		return 0, false
	}
	return retrySchedule[attempt], true
}
