// Package mocks provides an in-memory LoadTaskRepository for tests.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/pullload/internal/repository/models"
)

type MockLoadTaskRepository struct {
	mu                 sync.Mutex
	Attempts           []models.Attempt
	SaveAttemptCalls   []models.Attempt
	FinishAttemptCalls []FinishAttemptCall
	SaveAttemptError   error
	FinishAttemptError error
	GetJobInfosError   error
	GetAttemptsError   error
	Closed             bool
}

type FinishAttemptCall struct {
	ExecutionID string
	Outcome     models.Outcome
}

func NewMockLoadTaskRepository() *MockLoadTaskRepository {
	return &MockLoadTaskRepository{}
}

func (m *MockLoadTaskRepository) SaveAttempt(_ context.Context, a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveAttemptCalls = append(m.SaveAttemptCalls, *a)
	if m.SaveAttemptError != nil {
		return m.SaveAttemptError
	}
	m.Attempts = append(m.Attempts, *a)
	return nil
}

func (m *MockLoadTaskRepository) FinishAttempt(_ context.Context, executionID string, o models.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FinishAttemptCalls = append(m.FinishAttemptCalls, FinishAttemptCall{ExecutionID: executionID, Outcome: o})
	if m.FinishAttemptError != nil {
		return m.FinishAttemptError
	}
	for i := range m.Attempts {
		a := &m.Attempts[i]
		if a.ExecutionID != executionID {
			continue
		}
		finished := o.FinishedAt
		duration := o.DurationMs
		a.State = o.State
		a.StatusCode = o.StatusCode
		a.ErrorMsg = o.ErrorMsg
		a.TrackingURL = o.TrackingURL
		a.Counters = o.Counters
		a.FinishedAt = &finished
		a.DurationMs = &duration
		return nil
	}
	return fmt.Errorf("attempt %s not found", executionID)
}

func (m *MockLoadTaskRepository) GetJobInfos(_ context.Context, database string, limit int) ([]models.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetJobInfosError != nil {
		return nil, m.GetJobInfosError
	}
	var attempts []models.Attempt
	for _, a := range m.Attempts {
		if a.Database == database {
			attempts = append(attempts, a)
		}
	}
	jobs := models.AggregateJobs(attempts)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MockLoadTaskRepository) GetTaskAttempts(_ context.Context, jobID int64) ([]models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetAttemptsError != nil {
		return nil, m.GetAttemptsError
	}
	var attempts []models.Attempt
	for _, a := range m.Attempts {
		if a.JobID == jobID {
			attempts = append(attempts, a)
		}
	}
	return attempts, nil
}

func (m *MockLoadTaskRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockLoadTaskRepository) GetSaveAttemptCalls() []models.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Attempt(nil), m.SaveAttemptCalls...)
}

func (m *MockLoadTaskRepository) GetFinishAttemptCalls() []FinishAttemptCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FinishAttemptCall(nil), m.FinishAttemptCalls...)
}
