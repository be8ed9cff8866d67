package ledger

import "time"

const maxBackoff = 60 * time.Minute

// Backoff returns min(2^attempt, 60) minutes. Non-positive attempts wait one minute.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return time.Minute
	}
	if attempt >= 6 {
		return maxBackoff
	}
	return min(time.Duration(1<<attempt)*time.Minute, maxBackoff)
}
