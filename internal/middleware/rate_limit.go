package middleware

import (
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
)

// NewLoginLimiter allows max requests per window and per client address.
func NewLoginLimiter(max int, window time.Duration) *limiter.Limiter {
	lmt := tollbooth.NewLimiter(float64(max)/window.Seconds(), &limiter.ExpirableOptions{
		DefaultExpirationTTL: window,
	})
	lmt.SetBurst(max)
	lmt.SetMessage("Too many requests. Please try again later.")
	return lmt
}

func RateLimit(lmt *limiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}
