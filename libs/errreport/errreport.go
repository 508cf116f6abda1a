// Package errreport forwards unexpected failures to Sentry when SENTRY_DSN is set.
// Without a DSN every call is a no-op.
package errreport

import (
	"context"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN         string
	Environment string
	Release     string
	ServiceName string
}

// Init configures the global Sentry hub. The returned flush must run before exit.
func Init(cfg Config) (flush func(), err error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServiceName,
		AttachStacktrace: true,
	})
	if err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// Capture reports err with string tags. Safe to call before or without Init.
func Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// CaptureRequest reports err with the request method and path attached.
func CaptureRequest(r *http.Request, err error) {
	Capture(r.Context(), err, map[string]string{
		"http.method": r.Method,
		"http.path":   r.URL.Path,
	})
}
