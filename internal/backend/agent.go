// Package backend implements the agent that runs on every backend node: it
// executes plan fragment instances against local files, writes delta files
// and reports each instance's status to the frontend.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/httputil"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/status"
)

const (
	ErrorLogPath = "/api/_load_error_log"
	DeltaPath    = "/api/_delta"

	CounterNormal   = "dpp.norm.ALL"
	CounterAbnormal = "dpp.abnorm.ALL"

	reportTimeout = 10 * time.Second
)

var ErrDuplicateInstance = errors.New("fragment instance already running")

type Options struct {
	// Addr is the agent's own base URL, used in delta and tracking URLs.
	Addr      string
	OutputDir string
}

type instance struct {
	req    coordinator.ExecRequest
	cancel context.CancelFunc
}

type Agent struct {
	opts     Options
	reporter Reporter
	log      *zap.Logger

	mu        sync.Mutex
	instances map[execid.ID]*instance
	wg        sync.WaitGroup
}

func NewAgent(opts Options, reporter Reporter, log *zap.Logger) *Agent {
	if log == nil {
		log = logger.L()
	}
	opts.Addr = strings.TrimSuffix(opts.Addr, "/")
	return &Agent{
		opts:      opts,
		reporter:  reporter,
		log:       log,
		instances: make(map[execid.ID]*instance),
	}
}

func (a *Agent) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post(coordinator.ExecFragmentPath, a.execFragment)
	r.Post(coordinator.CancelFragmentPath, a.cancelFragment)
	r.Get(ErrorLogPath, a.serveOutput)
	r.Get(DeltaPath, a.serveOutput)
	return r
}

// Running is the number of instances in flight.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.instances)
}

// Wait blocks until every started instance has reported.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Shutdown cancels all running instances and waits for their reports.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	for _, inst := range a.instances {
		inst.cancel()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Agent) Start(req coordinator.ExecRequest) error {
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}

	a.mu.Lock()
	if _, exists := a.instances[req.InstanceID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, req.InstanceID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	a.instances[req.InstanceID] = &instance{req: req, cancel: cancel}
	a.wg.Add(1)
	a.mu.Unlock()

	go a.run(ctx, req)
	return nil
}

// Cancel stops a running instance. It reports whether the instance was known.
func (a *Agent) Cancel(id execid.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	inst, ok := a.instances[id]
	if ok {
		inst.cancel()
	}
	return ok
}

func (a *Agent) run(ctx context.Context, req coordinator.ExecRequest) {
	defer a.wg.Done()
	log := a.log.With(
		zap.String("query_id", req.QueryID.String()),
		zap.String("instance_id", req.InstanceID.String()),
	)
	log.Info("fragment instance started", zap.Int("scan_ranges", len(req.ScanRanges)))

	report := a.execute(ctx, req, log)

	a.mu.Lock()
	if inst, ok := a.instances[req.InstanceID]; ok {
		inst.cancel()
		delete(a.instances, req.InstanceID)
	}
	a.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := a.reporter.Report(rctx, report); err != nil {
		log.Error("failed to report fragment status", zap.Error(err))
		return
	}
	log.Info("fragment instance reported", zap.Stringer("status", report.Status))
}

func (a *Agent) execute(ctx context.Context, req coordinator.ExecRequest, log *zap.Logger) coordinator.Report {
	report := coordinator.Report{
		QueryID:    req.QueryID,
		InstanceID: req.InstanceID,
		BackendNum: req.BackendNum,
		Status:     status.OK,
		Done:       true,
	}

	base := fmt.Sprintf("%s_%s", req.QueryID, req.InstanceID)
	deltaName, errName := base+".delta", base+".error_log"
	stats, err := a.scan(ctx, req, deltaName, errName)
	switch {
	case errors.Is(err, context.Canceled):
		report.Status = status.Cancelled("fragment instance cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		report.Status = status.Newf(status.CodeTimeout, "fragment instance exceeded %ds", req.TimeoutSeconds)
	case err != nil:
		log.Warn("fragment instance failed", zap.Error(err))
		report.Status = status.New(status.CodeError, err.Error())
	}
	if !report.Status.OK() {
		return report
	}

	report.DeltaURLs = []string{a.fileURL(DeltaPath, deltaName)}
	report.LoadCounters = map[string]string{
		CounterNormal:   strconv.FormatInt(stats.normal, 10),
		CounterAbnormal: strconv.FormatInt(stats.abnormal, 10),
	}
	if stats.abnormal > 0 {
		report.TrackingURL = a.fileURL(ErrorLogPath, errName)
	}
	return report
}

func (a *Agent) scan(ctx context.Context, req coordinator.ExecRequest, deltaName, errName string) (scanStats, error) {
	var stats scanStats
	if err := os.MkdirAll(a.opts.OutputDir, 0755); err != nil {
		return stats, err
	}

	deltaFile, err := os.Create(filepath.Join(a.opts.OutputDir, deltaName))
	if err != nil {
		return stats, err
	}
	defer func() { _ = deltaFile.Close() }()

	errFile, err := os.Create(filepath.Join(a.opts.OutputDir, errName))
	if err != nil {
		return stats, err
	}
	defer func() { _ = errFile.Close() }()

	delta, errLog := newTSVWriter(deltaFile), newTSVWriter(errFile)
	for _, r := range req.ScanRanges {
		if err := scanRange(ctx, r, delta, errLog, &stats); err != nil {
			return stats, err
		}
	}

	delta.Flush()
	errLog.Flush()
	if err := delta.Error(); err != nil {
		return stats, err
	}
	return stats, errLog.Error()
}

func (a *Agent) fileURL(path, name string) string {
	return a.opts.Addr + path + "?file=" + url.QueryEscape(name)
}

func (a *Agent) execFragment(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.InstanceID.IsZero() {
		httputil.WriteError(w, http.StatusBadRequest, "fragment_instance_id is required")
		return
	}

	if err := a.Start(req); err != nil {
		httputil.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *Agent) cancelFragment(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if !a.Cancel(req.InstanceID) {
		httputil.WriteError(w, http.StatusNotFound, "unknown fragment instance")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) serveOutput(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.URL.Query().Get("file"))
	if name == "." || name == "/" || name == "" {
		httputil.WriteError(w, http.StatusBadRequest, "file is required")
		return
	}
	w.Header().Set("Content-Type", "text/tab-separated-values")
	http.ServeFile(w, r, filepath.Join(a.opts.OutputDir, name))
}
