package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/api"
)

type contextKey string

const subscriberKey contextKey = "subscriber_id"

// Middleware authenticates requests and stores the subscriber ID in the
// request context.
func Middleware(m *Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			id, _, err := m.Verify(parts[1])
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscriberID(r.Context(), id)))
		})
	}
}

// WithSubscriberID returns a context carrying the authenticated
// subscriber. The job worker uses it directly since queued work is
// authenticated at enqueue time, not at execution time.
func WithSubscriberID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, subscriberKey, id)
}

// SubscriberID returns the authenticated subscriber, or false when the
// request did not pass Middleware.
func SubscriberID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(subscriberKey).(uuid.UUID)
	return id, ok
}
