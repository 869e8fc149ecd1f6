package api

import (
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
)

// publicPaths skip API key checks.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/.well-known/agent.json": true,
}

// authenticate requires a matching X-API-Key header when an API key is
// configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.config.APIKey == "" {
		return next
	}
	want := []byte(s.config.APIKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		got := r.Header.Get("X-API-Key")
		if got == "" {
			s.logger.Warn("Missing API key", "path", r.URL.Path, "method", r.Method, "client", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "Missing API key. Provide X-API-Key header.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.logger.Warn("Invalid API key", "path", r.URL.Path, "method", r.Method, "client", r.RemoteAddr)
			s.writeError(w, http.StatusUnauthorized, "Invalid API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors answers preflight requests and sets the allow headers for
// configured origins.
func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.config.CORSOrigins) == 0 {
		return next
	}
	wildcard := slices.Contains(s.config.CORSOrigins, "*")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && (wildcard || slices.Contains(s.config.CORSOrigins, origin))

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "))
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				h.Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
