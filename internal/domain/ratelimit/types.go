// Package ratelimit defines the login throttling contract.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config is a GCRA budget: Rate events per Period with up to Burst
// events back to back.
type Config struct {
	Rate   int
	Burst  int
	Period time.Duration
}

// PerMinute builds a Config allowing rate attempts per minute.
func PerMinute(rate, burst int) Config {
	return Config{Rate: rate, Burst: burst, Period: time.Minute}
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed bool

	// Remaining is how many more attempts fit in the current burst.
	Remaining int

	// RetryAfter is only set when Allowed is false.
	RetryAfter time.Duration
}

// Limiter decides whether another attempt identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// KeyType identifies what a throttle key is derived from.
type KeyType string

const (
	KeyTypeIP    KeyType = "ip"
	KeyTypeEmail KeyType = "email"
)

// FormatKey returns "login:{type}:{value}".
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("login:%s:%s", keyType, value)
}
