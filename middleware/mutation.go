package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const MutationIDHeader = "X-Mutation-ID"

type mutationIDKeyType struct{}

var mutationIDKey = mutationIDKeyType{}

// MutationID picks up an optional client supplied mutation id. A malformed id
// is rejected; a missing one is fine.
func MutationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(MutationIDHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "invalid " + MutationIDHeader})
			return
		}
		ctx := context.WithValue(r.Context(), mutationIDKey, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func MutationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(mutationIDKey).(string)
	return id, ok
}

// Log returns an entry carrying the user and mutation id of the request, when
// they are known.
func Log(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if claims, ok := ClaimsFromContext(ctx); ok {
		fields["user_id"] = claims.Subject
	}
	if id, ok := MutationIDFromContext(ctx); ok {
		fields["mutation_id"] = id
	}
	return logrus.WithFields(fields)
}
