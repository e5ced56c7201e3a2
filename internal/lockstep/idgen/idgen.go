// Package idgen draws identifiers that must not collide with ones in use.
package idgen

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// MaxAttempts bounds how many candidates Unique draws.
	MaxAttempts = 10

	// QuietAttempts is how many collisions are tolerated before warning.
	QuietAttempts = 3
)

// ErrIDExhausted is returned when every attempt collided.
var ErrIDExhausted = errors.New("no unique identifier after retries")

// Unique draws candidates from next until taken reports one as free.
func Unique[T comparable](next func() T, taken func(T) bool, logger logrus.FieldLogger) (T, error) {
	var zero T
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		id := next()
		if !taken(id) {
			return id, nil
		}
		if attempt > QuietAttempts && logger != nil {
			logger.WithFields(logrus.Fields{
				"id":      fmt.Sprint(id),
				"attempt": attempt,
			}).Warn("identifier collision")
		}
	}
	return zero, fmt.Errorf("%w (%d attempts)", ErrIDExhausted, MaxAttempts)
}

// Sequence returns a generator counting up from start.
func Sequence[T ~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64](start T) func() T {
	next := start
	return func() T {
		id := next
		next++
		return id
	}
}
