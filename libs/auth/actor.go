package auth

import (
	"context"
	"net/http"
	"strings"
)

const (
	RoleOwner = "owner"
	RoleStaff = "staff"
	// RoleAdmin is a platform operator; it may act on any merchant.
	RoleAdmin = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID     string
	MerchantID string
	Role       string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanActOn reports whether the actor may read or mutate the given merchant's account.
func (a Actor) CanActOn(merchantID string) bool {
	if a.IsAdmin() {
		return true
	}
	return a.MerchantID != "" && a.MerchantID == merchantID
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// RequireAuth verifies the bearer token and stores the Actor on the request context.
func RequireAuth(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || len(strings.TrimSpace(header)) <= len("Bearer ") {
				http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := v.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			actor := Actor{UserID: claims.Subject, MerchantID: claims.MerchantID, Role: claims.Role}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[actor.Role]; !ok {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
