package streamconn

import (
	"errors"
	"math"
	"time"
)

// ErrReconnectCapExceeded is surfaced to the Feed Manager when a
// Connection exhausts its reconnect budget (spec.md §7, error kind 6).
var ErrReconnectCapExceeded = errors.New("streamconn: reconnect attempts exhausted")

// ErrAuthRejectedUnrecoverable is surfaced to the Feed Manager when
// three consecutive authentication rejections are observed within
// AuthRejectWindow (spec.md §7, error kind 2).
var ErrAuthRejectedUnrecoverable = errors.New("streamconn: authentication rejected repeatedly")

// backoffDelay computes the delay before reconnect attempt k (1-indexed),
// per spec.md §4.2 and the boundary behavior in §8:
// delay(k) = base * multiplier^(k-1).
func backoffDelay(attempt int, base time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(multiplier, float64(attempt-1))
	return time.Duration(float64(base) * factor)
}
