package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const correlationKey ctxKey = 0

// CorrelationHeader carries the request ID in both directions.
const CorrelationHeader = "X-Correlation-ID"

func (s *Server) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if id == "" {
			id = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), correlationKey, id)
		w.Header().Set(CorrelationHeader, id)

		s.logger.Printf("request received method=%s path=%s correlation_id=%s", r.Method, r.URL.Path, id)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		s.logger.Printf("request completed method=%s path=%s correlation_id=%s duration=%s", r.Method, r.URL.Path, id, time.Since(start))
	})
}

// CorrelationID returns the request ID stored by the middleware.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	return "unknown"
}
