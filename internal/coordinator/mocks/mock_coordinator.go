// Package mocks provides a scriptable Coordinator for tests.
package mocks

import (
	"maps"
	"sync"
	"time"

	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/status"
)

type MockCoordinator struct {
	mu sync.Mutex

	Params coordinator.Params

	ExecError    error
	JoinResult   bool
	ExecStatus   status.Status
	CancelStatus status.Status
	Files        []string
	Counters     map[string]string
	URL          string
	ReportError  error
	BlockJoin    chan struct{}
	OnJoin       func()

	ExecCalls    int
	JoinCalls    int
	JoinTimeouts []time.Duration
	CancelCalls  int
	ReportCalls  []coordinator.Report
}

func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{JoinResult: true, ExecStatus: status.OK}
}

// Factory returns a coordinator.Factory that hands out m and records the
// params it was built with.
func (m *MockCoordinator) Factory() coordinator.Factory {
	return func(p coordinator.Params) (coordinator.Coordinator, error) {
		m.mu.Lock()
		m.Params = p
		m.mu.Unlock()
		return m, nil
	}
}

func (m *MockCoordinator) Exec() error {
	m.mu.Lock()
	m.ExecCalls++
	err := m.ExecError
	m.mu.Unlock()
	return err
}

func (m *MockCoordinator) Join(timeout time.Duration) bool {
	m.mu.Lock()
	m.JoinCalls++
	m.JoinTimeouts = append(m.JoinTimeouts, timeout)
	block := m.BlockJoin
	onJoin := m.OnJoin
	m.mu.Unlock()

	if onJoin != nil {
		onJoin()
	}
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.JoinResult
}

func (m *MockCoordinator) Status() status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ExecStatus
}

func (m *MockCoordinator) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	if !m.CancelStatus.OK() {
		m.ExecStatus = m.CancelStatus
	}
}

func (m *MockCoordinator) ReportExecStatus(r coordinator.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReportCalls = append(m.ReportCalls, r)
	return m.ReportError
}

func (m *MockCoordinator) DeltaURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Files...)
}

func (m *MockCoordinator) LoadCounters() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.Counters)
}

func (m *MockCoordinator) TrackingURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.URL
}

func (m *MockCoordinator) GetCancelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CancelCalls
}

func (m *MockCoordinator) GetReportCalls() []coordinator.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]coordinator.Report(nil), m.ReportCalls...)
}

func (m *MockCoordinator) GetParams() coordinator.Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Params
}
