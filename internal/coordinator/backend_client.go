package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/plan"
)

const (
	ExecFragmentPath   = "/api/exec_plan_fragment"
	CancelFragmentPath = "/api/cancel_plan_fragment"
)

type ExecRequest struct {
	QueryID        execid.ID            `json:"query_id"`
	InstanceID     execid.ID            `json:"fragment_instance_id"`
	BackendNum     int                  `json:"backend_num"`
	FragmentID     int                  `json:"fragment_id"`
	QueryType      QueryType            `json:"query_type"`
	ClusterName    string               `json:"cluster_name"`
	ExecMemLimit   int64                `json:"exec_mem_limit"`
	TimeoutSeconds int                  `json:"timeout_seconds"`
	DescTable      plan.DescriptorTable `json:"desc_table"`
	Broker         plan.BrokerDesc      `json:"broker"`
	ScanRanges     []plan.ScanRange     `json:"scan_ranges"`
}

type CancelRequest struct {
	QueryID    execid.ID `json:"query_id"`
	InstanceID execid.ID `json:"fragment_instance_id"`
}

type BackendClient interface {
	ExecFragment(ctx context.Context, backend string, req ExecRequest) error
	CancelFragment(ctx context.Context, backend string, req CancelRequest) error
}

// HTTPBackendClient talks JSON to backend agents. Backends are base URLs such
// as http://10.0.0.5:8040.
type HTTPBackendClient struct {
	client *http.Client
}

func NewHTTPBackendClient(timeout time.Duration) *HTTPBackendClient {
	return &HTTPBackendClient{client: &http.Client{Timeout: timeout}}
}

func (c *HTTPBackendClient) ExecFragment(ctx context.Context, backend string, req ExecRequest) error {
	return c.post(ctx, backend+ExecFragmentPath, req)
}

func (c *HTTPBackendClient) CancelFragment(ctx context.Context, backend string, req CancelRequest) error {
	return c.post(ctx, backend+CancelFragmentPath, req)
}

func (c *HTTPBackendClient) post(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("backend error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
