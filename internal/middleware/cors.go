package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// corsMaxAge caches preflight responses for 12 hours.
const corsMaxAge = 12 * 60 * 60

// NewCORS returns middleware allowing the browser client at the given
// origins to call the API. An empty list or "*" allows any origin.
func NewCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Chat-Id",
			UserIDHeader,
			UserEmailHeader,
		},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         corsMaxAge,
	})
	return c.Handler
}
