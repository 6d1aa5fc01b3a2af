package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockMetricsRecorder struct {
	records []metricRecord
}

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func (m *mockMetricsRecorder) record(method, endpoint, status string, duration time.Duration) {
	m.records = append(m.records, metricRecord{
		method:   method,
		endpoint: endpoint,
		status:   status,
		duration: duration,
	})
}

func (m *mockMetricsRecorder) reset() {
	m.records = []metricRecord{}
}

var mockRecorder = &mockMetricsRecorder{}

func setupMock() func() {
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		mockRecorder.record(method, endpoint, status, duration)
	}
	return func() { recordHTTPRequest = original }
}

func TestResponseWriter_WriteHeader(t *testing.T) {
	tests := []struct {
		name           string
		statusCode     int
		expectedStatus int
	}{
		{
			name:           "sets status code 200",
			statusCode:     http.StatusOK,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "sets status code 404",
			statusCode:     http.StatusNotFound,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "sets status code 500",
			statusCode:     http.StatusInternalServerError,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := &responseWriter{
				ResponseWriter: rec,
				statusCode:     http.StatusOK,
			}

			rw.WriteHeader(tt.statusCode)

			if rw.statusCode != tt.expectedStatus {
				t.Errorf("expected status code %d, got %d", tt.expectedStatus, rw.statusCode)
			}

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected underlying response writer status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestResponseWriter_DefaultStatusCode(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: rec,
		statusCode:     http.StatusOK,
	}

	if rw.statusCode != http.StatusOK {
		t.Errorf("expected default status code %d, got %d", http.StatusOK, rw.statusCode)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "current query by id",
			path:     "/api/current_queries/1a2b-3c4d",
			expected: "/api/current_queries/:id",
		},
		{
			name:     "current queries list",
			path:     "/api/current_queries",
			expected: "/api/current_queries",
		},
		{
			name:     "current query with nested path (should not normalize)",
			path:     "/api/current_queries/1a2b-3c4d/extra",
			expected: "/api/current_queries/1a2b-3c4d/extra",
		},
		{
			name:     "load jobs of database",
			path:     "/api/dbs/sales/loads",
			expected: "/api/dbs/:db/loads",
		},
		{
			name:     "load job by id",
			path:     "/api/dbs/sales/loads/42",
			expected: "/api/dbs/:db/loads/:id",
		},
		{
			name:     "cancel load task",
			path:     "/api/loads/42/tasks/3/cancel",
			expected: "/api/loads/:job/tasks/:task/cancel",
		},
		{
			name:     "user properties",
			path:     "/api/users/alice/properties",
			expected: "/api/users/:user/properties",
		},
		{
			name:     "report exec status",
			path:     "/api/report_exec_status",
			expected: "/api/report_exec_status",
		},
		{
			name:     "root path",
			path:     "/",
			expected: "/",
		},
		{
			name:     "health endpoint",
			path:     "/health",
			expected: "/health",
		},
		{
			name:     "metrics endpoint",
			path:     "/metrics",
			expected: "/metrics",
		},
		{
			name:     "submit load task",
			path:     "/api/loads",
			expected: "/api/loads",
		},
		{
			name:     "unknown endpoint",
			path:     "/api/unknown/path",
			expected: "/api/unknown/path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeEndpoint(tt.path)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestMetricsMiddleware(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	tests := []struct {
		name               string
		method             string
		path               string
		handlerStatusCode  int
		expectedMethod     string
		expectedEndpoint   string
		expectedStatusCode string
	}{
		{
			name:               "GET current query by id with 200",
			method:             http.MethodGet,
			path:               "/api/current_queries/1a2b-3c4d",
			handlerStatusCode:  http.StatusOK,
			expectedMethod:     http.MethodGet,
			expectedEndpoint:   "/api/current_queries/:id",
			expectedStatusCode: "200",
		},
		{
			name:               "POST load task with 201",
			method:             http.MethodPost,
			path:               "/api/loads",
			handlerStatusCode:  http.StatusCreated,
			expectedMethod:     http.MethodPost,
			expectedEndpoint:   "/api/loads",
			expectedStatusCode: "201",
		},
		{
			name:               "GET unknown load job with 404",
			method:             http.MethodGet,
			path:               "/api/dbs/sales/loads/999",
			handlerStatusCode:  http.StatusNotFound,
			expectedMethod:     http.MethodGet,
			expectedEndpoint:   "/api/dbs/:db/loads/:id",
			expectedStatusCode: "404",
		},
		{
			name:               "POST cancel with 202",
			method:             http.MethodPost,
			path:               "/api/loads/42/tasks/1/cancel",
			handlerStatusCode:  http.StatusAccepted,
			expectedMethod:     http.MethodPost,
			expectedEndpoint:   "/api/loads/:job/tasks/:task/cancel",
			expectedStatusCode: "202",
		},
		{
			name:               "internal server error",
			method:             http.MethodGet,
			path:               "/api/dbs/sales/loads",
			handlerStatusCode:  http.StatusInternalServerError,
			expectedMethod:     http.MethodGet,
			expectedEndpoint:   "/api/dbs/:db/loads",
			expectedStatusCode: "500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRecorder.reset()

			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.handlerStatusCode)
				_, _ = w.Write([]byte("test response"))
			})

			handler := MetricsMiddleware(testHandler)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.handlerStatusCode {
				t.Errorf("expected status code %d, got %d", tt.handlerStatusCode, rec.Code)
			}

			if len(mockRecorder.records) != 1 {
				t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
			}

			m := mockRecorder.records[0]
			if m.method != tt.expectedMethod {
				t.Errorf("expected method %q, got %q", tt.expectedMethod, m.method)
			}
			if m.endpoint != tt.expectedEndpoint {
				t.Errorf("expected endpoint %q, got %q", tt.expectedEndpoint, m.endpoint)
			}
			if m.status != tt.expectedStatusCode {
				t.Errorf("expected status %q, got %q", tt.expectedStatusCode, m.status)
			}
			if m.duration <= 0 {
				t.Error("expected duration > 0")
			}
		})
	}
}

func TestMetricsMiddleware_CallsNextHandler(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()
	handlerCalled := false

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler := MetricsMiddleware(testHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/current_queries", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !handlerCalled {
		t.Error("expected next handler to be called")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()
	delay := 50 * time.Millisecond

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		w.WriteHeader(http.StatusOK)
	})

	handler := MetricsMiddleware(testHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/current_queries", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if len(mockRecorder.records) != 1 {
		t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
	}

	recorded := mockRecorder.records[0]
	if recorded.duration < delay {
		t.Errorf("expected duration >= %v, got %v", delay, recorded.duration)
	}
}

func TestNormalizeEndpoint_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "empty database segment",
			path:     "/api/dbs//loads",
			expected: "/api/dbs//loads",
		},
		{
			name:     "empty load job id",
			path:     "/api/dbs/sales/loads//",
			expected: "/api/dbs/:db/loads",
		},
		{
			name:     "empty task segment in cancel",
			path:     "/api/loads/42/tasks//cancel",
			expected: "/api/loads/42/tasks//cancel",
		},
		{
			name:     "cancel with extra segments",
			path:     "/api/loads/42/tasks/3/cancel/now",
			expected: "/api/loads/42/tasks/3/cancel/now",
		},
		{
			name:     "cancel without task id",
			path:     "/api/loads/42/tasks/cancel",
			expected: "/api/loads/42/tasks/cancel",
		},
		{
			name:     "tasks segment misspelled",
			path:     "/api/loads/42/task/3/cancel",
			expected: "/api/loads/42/task/3/cancel",
		},
		{
			name:     "trailing slash on current query",
			path:     "/api/current_queries/1a2b-3c4d/",
			expected: "/api/current_queries/:id",
		},
		{
			name:     "user without properties",
			path:     "/api/users/alice",
			expected: "/api/users/alice",
		},
		{
			name:     "database path without loads",
			path:     "/api/dbs/sales/tables",
			expected: "/api/dbs/sales/tables",
		},
		{
			name:     "api prefix not first",
			path:     "/v1/api/dbs/sales/loads",
			expected: "/v1/api/dbs/sales/loads",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizeEndpoint(tt.path)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestMetricsMiddleware_MalformedPathImplicitStatus(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not found"))
	})

	handler := MetricsMiddleware(testHandler)
	req := httptest.NewRequest(http.MethodPost, "/api/loads/42/tasks/3/cancel/now", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if len(mockRecorder.records) != 1 {
		t.Fatalf("expected 1 metric recorded, got %d", len(mockRecorder.records))
	}

	m := mockRecorder.records[0]
	if m.endpoint != "/api/loads/42/tasks/3/cancel/now" {
		t.Errorf("expected raw endpoint, got %q", m.endpoint)
	}
	if m.status != "200" {
		t.Errorf("expected status %q, got %q", "200", m.status)
	}
}
