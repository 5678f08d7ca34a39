package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/cors"
)

var defaultOrigins = []string{"https://*", "http://*"}

// CORS returns a configured CORS middleware for the given origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

type wildcard struct {
	prefix, suffix string
}

func (w wildcard) match(origin string) bool {
	return len(origin) >= len(w.prefix)+len(w.suffix) &&
		strings.HasPrefix(origin, w.prefix) && strings.HasSuffix(origin, w.suffix)
}

// OriginChecker applies the CORS origin list to websocket upgrades, with the
// same "*" wildcard rules. Requests without an Origin header come from
// non-browser clients and pass.
func OriginChecker(allowedOrigins []string) func(*http.Request) bool {
	if len(allowedOrigins) == 0 {
		allowedOrigins = defaultOrigins
	}

	var exact []string
	var patterns []wildcard
	for _, o := range allowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if i := strings.IndexByte(o, '*'); i >= 0 {
			patterns = append(patterns, wildcard{prefix: o[:i], suffix: o[i+1:]})
			continue
		}
		exact = append(exact, o)
	}

	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" || slices.Contains(exact, origin) {
			return true
		}
		for _, p := range patterns {
			if p.match(origin) {
				return true
			}
		}
		return false
	}
}
