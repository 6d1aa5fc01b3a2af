// Package middleware provides HTTP middleware for metrics collection.
package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/pullload/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := normalizeEndpoint(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		recordHTTPRequest(r.Method, endpoint, status, duration)
	})
}

// normalizeEndpoint collapses path parameters so label cardinality stays
// bounded.
func normalizeEndpoint(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" || slices.Contains(parts, "") {
		return path
	}

	switch parts[1] {
	case "current_queries":
		if len(parts) == 3 {
			return "/api/current_queries/:id"
		}
	case "dbs":
		switch {
		case len(parts) == 4 && parts[3] == "loads":
			return "/api/dbs/:db/loads"
		case len(parts) == 5 && parts[3] == "loads":
			return "/api/dbs/:db/loads/:id"
		}
	case "loads":
		if len(parts) == 6 && parts[3] == "tasks" && parts[5] == "cancel" {
			return "/api/loads/:job/tasks/:task/cancel"
		}
	case "users":
		if len(parts) == 4 && parts[3] == "properties" {
			return "/api/users/:user/properties"
		}
	}
	return path
}
