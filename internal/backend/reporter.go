package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/pullload/internal/coordinator"
)

const ReportPath = "/api/report_exec_status"

// Reporter delivers instance status to the frontend.
type Reporter interface {
	Report(ctx context.Context, report coordinator.Report) error
}

type HTTPReporter struct {
	frontend string
	client   *http.Client
}

func NewHTTPReporter(frontend string, timeout time.Duration) *HTTPReporter {
	return &HTTPReporter{
		frontend: strings.TrimSuffix(frontend, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReporter) Report(ctx context.Context, report coordinator.Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.frontend+ReportPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("frontend error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
