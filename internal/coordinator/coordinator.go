// Package coordinator defines the handle a load task holds on one distributed
// execution, and Fanout, which drives plan fragments on remote backends.
package coordinator

import (
	"time"

	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/plan"
	"github.com/nadmax/pullload/internal/status"
)

type QueryType string

const (
	QueryTypeSelect QueryType = "SELECT"
	QueryTypeLoad   QueryType = "LOAD"
)

// Coordinator starts, cancels and joins one distributed execution.
type Coordinator interface {
	Exec() error
	// Join reports whether the execution completed within timeout.
	Join(timeout time.Duration) bool
	Status() status.Status
	Cancel()
	ReportExecStatus(report Report) error
	DeltaURLs() []string
	LoadCounters() map[string]string
	TrackingURL() string
}

// ProgressReporter is implemented by coordinators that can tell how many
// fragment instances have reported done.
type ProgressReporter interface {
	Progress() (done, total int)
}

type Params struct {
	ID           execid.ID
	Plan         *plan.Plan
	ClusterName  string
	QueryType    QueryType
	ExecMemLimit int64
	Timeout      time.Duration
}

type Factory func(p Params) (Coordinator, error)

// Report is the status a backend sends for one fragment instance.
type Report struct {
	QueryID      execid.ID         `json:"query_id"`
	InstanceID   execid.ID         `json:"fragment_instance_id"`
	BackendNum   int               `json:"backend_num"`
	Status       status.Status     `json:"status"`
	Done         bool              `json:"done"`
	DeltaURLs    []string          `json:"delta_urls,omitempty"`
	LoadCounters map[string]string `json:"load_counters,omitempty"`
	TrackingURL  string            `json:"tracking_url,omitempty"`
}

// InstanceID derives the id of the n-th fragment instance of a query.
func InstanceID(query execid.ID, n int) execid.ID {
	return execid.ID{Hi: query.Hi, Lo: query.Lo + uint64(n) + 1}
}
