package handlers

import (
	"context"
	"net/http"

	"github.com/andeslabs/sqlcopilot/api/config"
)

// DatabaseHeader selects which registered database a request targets.
// Requests without the header use the default database.
const DatabaseHeader = "X-Copilot-Database"

type databaseContextKey struct{}

// ContextWithDatabase returns a new context carrying the database name.
func ContextWithDatabase(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, databaseContextKey{}, name)
}

// DatabaseFromContext returns the database name from the context,
// defaulting to the configured default database.
func DatabaseFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(databaseContextKey{}).(string); ok && name != "" {
		return name
	}
	return config.Default()
}

// DatabaseMiddleware extracts the X-Copilot-Database header and stores
// the database name in the request context. Unknown names are rejected
// up front so handlers never see an unroutable request.
func DatabaseMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get(DatabaseHeader)
		if name != "" {
			if _, err := config.Lookup(name); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"unknown database"}`))
				return
			}
		}
		ctx := ContextWithDatabase(r.Context(), name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
