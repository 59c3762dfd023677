package ratelimit

import (
	"fmt"
	"net/http"
)

// DefaultMaxBodyBytes is the request body cap enforced before parsing.
const DefaultMaxBodyBytes = 1 << 20 // 1 MiB

// ErrBodyTooLarge describes a request body over the cap. BodyCap does not
// return it: reads past maxBytes fail with *http.MaxBytesError, which the
// HTTP layer maps to 413.
var ErrBodyTooLarge = fmt.Errorf("request body exceeds cap")

// BodyCap wraps the request body in an http.MaxBytesReader set to
// maxBytes (DefaultMaxBodyBytes if zero), so the cap is enforced while
// streaming rather than after a full read into memory.
func BodyCap(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
