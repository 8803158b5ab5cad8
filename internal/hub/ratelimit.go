package hub

import (
	"golang.org/x/time/rate"
)

// msgRateLimit and msgRateBurst token-bucket inbound client messages at
// 10/second with a burst of 10. Violations earn an error frame and the
// message is dropped; the connection itself is never closed for it.
const (
	msgRateLimit = 10
	msgRateBurst = 10
)

func newClientLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(msgRateLimit), msgRateBurst)
}
