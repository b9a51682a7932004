package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Anonymous is the identifier used when a request carries no client
// address headers.
const Anonymous = "anonymous"

// ClientID derives the limiter key for r: the first X-Forwarded-For hop,
// then X-Real-IP, else Anonymous.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return Anonymous
}

// SetHeaders writes X-RateLimit-Remaining and X-RateLimit-Reset.
func SetHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(time.RFC3339Nano))
}
