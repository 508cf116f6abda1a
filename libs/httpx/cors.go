package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy lists allowed origins: exact, "*", or "*.example.com" for subdomains.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// WithCORS is a no-op when no origins are configured.
func WithCORS(cfg CORSPolicy) Middleware {
	origins := normalizeList(cfg.AllowedOrigins)
	if len(origins) == 0 {
		return nil
	}
	static := map[string]string{}
	if v := strings.Join(normalizeList(cfg.AllowedMethods), ", "); v != "" {
		static["Access-Control-Allow-Methods"] = v
	}
	if v := strings.Join(normalizeList(cfg.AllowedHeaders), ", "); v != "" {
		static["Access-Control-Allow-Headers"] = v
	}
	if secs := int(cfg.MaxAge.Seconds()); secs > 0 {
		static["Access-Control-Max-Age"] = strconv.Itoa(secs)
	}
	if cfg.AllowCredentials {
		static["Access-Control-Allow-Credentials"] = "true"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow, ok := matchOrigin(origin, origins, cfg.AllowCredentials)
			if origin == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			for k, v := range static {
				h.Set(k, v)
			}
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func matchOrigin(origin string, allowed []string, allowCredentials bool) (string, bool) {
	for _, candidate := range allowed {
		switch {
		case candidate == "*":
			if allowCredentials {
				return origin, true
			}
			return "*", true
		case strings.HasPrefix(candidate, "*."):
			host := origin
			if _, rest, found := strings.Cut(origin, "://"); found {
				host = rest
			}
			if strings.HasSuffix(strings.ToLower(host), strings.ToLower(candidate[1:])) {
				return origin, true
			}
		case strings.EqualFold(candidate, origin):
			return origin, true
		}
	}
	return "", false
}
