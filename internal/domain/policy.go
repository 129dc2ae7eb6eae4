package domain

import "time"

// Signup latency policy.
//
// With a client timestamp the latency is |server - client| clamped into
// [0, maxMs] so a forged timestamp cannot push the term arbitrarily far.
// Without one, the sub-second part of the server clock stands in.
func SignupLatencyMs(now time.Time, clientRequestMs *int64, maxMs int) int {
	nowMs := now.UnixMilli()
	if clientRequestMs == nil {
		return int(nowMs % 1000)
	}

	d := nowMs - *clientRequestMs
	if d < 0 {
		d = -d
	}
	if maxMs < 0 {
		maxMs = 0
	}
	if d > int64(maxMs) {
		return maxMs
	}
	return int(d)
}
