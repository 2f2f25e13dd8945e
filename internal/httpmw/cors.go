package httpmw

import (
	"net/http"
	"strconv"
)

// CORSConfig mirrors the teacher's corsConfig, sourced from
// pkg/config.Config rather than read from the environment a second time.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   string
	AllowedHeaders   string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// DefaultCORSConfig fills in the teacher's defaults for anything origins
// leaves zero-valued, mirroring loadCORSConfig's fallbacks.
func DefaultCORSConfig(origins []string) CORSConfig {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return CORSConfig{
		AllowedOrigins: origins,
		AllowedMethods: "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowedHeaders: "*",
		MaxAgeSeconds:  600,
	}
}

func (c CORSConfig) allowsAll() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (c CORSConfig) originAllowed(origin string) (string, bool) {
	if origin == "" {
		return "", false
	}
	if c.AllowCredentials {
		for _, o := range c.AllowedOrigins {
			if o == origin {
				return origin, true
			}
		}
		return "", false
	}
	if c.allowsAll() {
		return "*", true
	}
	for _, o := range c.AllowedOrigins {
		if o == origin {
			return origin, true
		}
	}
	return "", false
}

func (c CORSConfig) setHeaders(w http.ResponseWriter, allowedOrigin string) {
	if allowedOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		if allowedOrigin != "*" {
			w.Header().Add("Vary", "Origin")
		}
	}
	w.Header().Set("Access-Control-Allow-Methods", c.AllowedMethods)
	w.Header().Set("Access-Control-Allow-Headers", c.AllowedHeaders)
	if c.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAgeSeconds))
}

// CORS wraps next with the teacher's allow-if-known-origin, 204-on-preflight
// CORS handling.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigin, ok := cfg.originAllowed(origin); ok {
				cfg.setHeaders(w, allowedOrigin)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
