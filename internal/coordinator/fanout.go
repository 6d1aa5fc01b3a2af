package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/logger"
	"github.com/nadmax/pullload/internal/plan"
	"github.com/nadmax/pullload/internal/status"
)

var (
	ErrNoBackends      = errors.New("no backend available")
	ErrUnknownInstance = errors.New("unknown fragment instance")
)

type instanceState struct {
	req     ExecRequest
	backend string
	done    bool
}

// Fanout assigns fragment instances round-robin to backends and completes
// once every instance reported done, one reported a failure, or Cancel was
// called.
type Fanout struct {
	params Params
	client BackendClient
	log    *zap.Logger

	mu          sync.Mutex
	status      status.Status
	instances   map[execid.ID]*instanceState
	order       []execid.ID
	finished    int
	deltaURLs   []string
	counters    map[string]string
	trackingURL string
	done        chan struct{}
	completed   bool
}

func NewFanout(p Params, backends []string, client BackendClient, log *zap.Logger) (*Fanout, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if p.Plan == nil || p.Plan.NumInstances() == 0 {
		return nil, fmt.Errorf("query %s has no fragment instance", p.ID)
	}
	if log == nil {
		log = logger.L()
	}

	f := &Fanout{
		params:    p,
		client:    client,
		log:       log,
		instances: make(map[execid.ID]*instanceState),
		counters:  make(map[string]string),
		done:      make(chan struct{}),
	}

	brokers := make(map[int]plan.BrokerDesc, len(p.Plan.ScanNodes))
	for _, node := range p.Plan.ScanNodes {
		brokers[node.ID] = node.Broker
	}

	n := 0
	for _, fragment := range p.Plan.Fragments {
		for _, inst := range fragment.Instances {
			id := InstanceID(p.ID, n)
			backendNum := n % len(backends)
			f.instances[id] = &instanceState{
				backend: backends[backendNum],
				req: ExecRequest{
					QueryID:        p.ID,
					InstanceID:     id,
					BackendNum:     backendNum,
					FragmentID:     fragment.ID,
					QueryType:      p.QueryType,
					ClusterName:    p.ClusterName,
					ExecMemLimit:   p.ExecMemLimit,
					TimeoutSeconds: int(p.Timeout / time.Second),
					DescTable:      p.Plan.DescTable,
					Broker:         brokers[fragment.ScanNodeID],
					ScanRanges:     inst.ScanRanges,
				},
			}
			f.order = append(f.order, id)
			n++
		}
	}

	return f, nil
}

// NewFanoutFactory returns a Factory building Fanout coordinators over the
// given backends.
func NewFanoutFactory(backends []string, client BackendClient, log *zap.Logger) Factory {
	return func(p Params) (Coordinator, error) {
		return NewFanout(p, backends, client, log)
	}
}

func (f *Fanout) Exec() error {
	ctx := context.Background()
	if f.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.params.Timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range f.order {
		inst := f.instances[id]
		g.Go(func() error {
			if err := f.client.ExecFragment(gctx, inst.backend, inst.req); err != nil {
				return fmt.Errorf("exec instance %s on %s: %w", id, inst.backend, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		f.log.Warn("failed to dispatch fragment",
			zap.String("query_id", f.params.ID.String()),
			zap.Error(err),
		)
		f.fail(status.Internal(err.Error()))
		return err
	}

	f.log.Debug("dispatched fragments",
		zap.String("query_id", f.params.ID.String()),
		zap.Int("instances", len(f.order)),
	)
	return nil
}

func (f *Fanout) Join(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-f.done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return true
	case <-timer.C:
		return false
	}
}

func (f *Fanout) Status() status.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fanout) Cancel() {
	f.fail(status.Cancelled("cancelled"))
}

func (f *Fanout) ReportExecStatus(r Report) error {
	f.mu.Lock()

	inst, ok := f.instances[r.InstanceID]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstance, r.InstanceID)
	}
	if inst.done || f.completed {
		f.mu.Unlock()
		return nil
	}

	if !r.Status.OK() {
		inst.done = true
		f.finished++
		f.mu.Unlock()
		f.fail(r.Status)
		return nil
	}

	if r.Done {
		inst.done = true
		f.finished++
		f.deltaURLs = append(f.deltaURLs, r.DeltaURLs...)
		mergeCounters(f.counters, r.LoadCounters)
		if f.trackingURL == "" {
			f.trackingURL = r.TrackingURL
		}
		if f.finished == len(f.instances) {
			f.complete()
		}
	}

	f.mu.Unlock()
	return nil
}

func (f *Fanout) DeltaURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deltaURLs...)
}

func (f *Fanout) LoadCounters() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.counters)
}

func (f *Fanout) TrackingURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackingURL
}

func (f *Fanout) Progress() (done, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished, len(f.instances)
}

// fail records st unless the execution already completed, completes it and
// asks the backends still running to stop.
func (f *Fanout) fail(st status.Status) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.status = st
	f.complete()

	var pending []*instanceState
	for _, id := range f.order {
		if inst := f.instances[id]; !inst.done {
			pending = append(pending, inst)
		}
	}
	f.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	go f.cancelInstances(pending)
}

func (f *Fanout) cancelInstances(pending []*instanceState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, inst := range pending {
		req := CancelRequest{QueryID: inst.req.QueryID, InstanceID: inst.req.InstanceID}
		if err := f.client.CancelFragment(ctx, inst.backend, req); err != nil {
			f.log.Warn("failed to cancel fragment",
				zap.String("query_id", req.QueryID.String()),
				zap.String("instance_id", req.InstanceID.String()),
				zap.Error(err),
			)
		}
	}
}

// complete must be called with f.mu held.
func (f *Fanout) complete() {
	if f.completed {
		return
	}
	f.completed = true
	close(f.done)
}

func mergeCounters(dst, src map[string]string) {
	for k, v := range src {
		prev, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		a, errA := strconv.ParseInt(prev, 10, 64)
		b, errB := strconv.ParseInt(v, 10, 64)
		if errA == nil && errB == nil {
			dst[k] = strconv.FormatInt(a+b, 10)
			continue
		}
		dst[k] = v
	}
}
