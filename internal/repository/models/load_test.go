package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attempt(job int64, task int, state string, started time.Time) Attempt {
	return Attempt{
		ExecutionID: "x",
		JobID:       job,
		TaskID:      task,
		Label:       "label",
		State:       state,
		FileNum:     1,
		CreatedAt:   started,
		StartedAt:   started,
	}
}

func TestAggregateJobs_State(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		states   []string
		want     string
		progress string
	}{
		{name: "all finished", states: []string{StateFinished, StateFinished}, want: StateFinished, progress: "2/2"},
		{name: "one running", states: []string{StateFinished, StateRunning}, want: StateRunning, progress: "1/2"},
		{name: "failure", states: []string{StateFailed, StateRunning}, want: StateFailed, progress: "0/2"},
		{name: "cancel beats failure", states: []string{StateFailed, StateCancelled}, want: StateCancelled, progress: "0/2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts []Attempt
			for i, s := range tt.states {
				attempts = append(attempts, attempt(1, i, s, base))
			}

			jobs := AggregateJobs(attempts)

			require.Len(t, jobs, 1)
			assert.Equal(t, tt.want, jobs[0].State)
			assert.Equal(t, tt.progress, jobs[0].Progress)
			assert.Equal(t, "tasks:2; files:2", jobs[0].TaskInfo)
		})
	}
}

func TestAggregateJobs_LatestAttemptCounts(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	failed := attempt(1, 0, StateFailed, base)
	failed.StatusCode, failed.ErrorMsg = "ERROR", "disk full"
	retried := attempt(1, 0, StateFinished, base.Add(time.Minute))
	retried.CreatedAt = base
	end := base.Add(2 * time.Minute)
	retried.FinishedAt = &end

	jobs := AggregateJobs([]Attempt{retried, failed})

	require.Len(t, jobs, 1)
	assert.Equal(t, StateFinished, jobs[0].State)
	assert.Empty(t, jobs[0].ErrorMsg)
	require.NotNil(t, jobs[0].LoadFinishTime)
	assert.Equal(t, end, *jobs[0].LoadFinishTime)
	assert.Equal(t, base, jobs[0].CreateTime)
}

func TestAggregateJobs_NewestFirstAndCounters(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := attempt(1, 0, StateFinished, base)
	a.Counters = map[string]string{"dpp.norm.ALL": "3", "dpp.abnorm.ALL": "1"}
	b := attempt(1, 1, StateFinished, base)
	b.Counters = map[string]string{"dpp.norm.ALL": "4"}
	c := attempt(2, 0, StateRunning, base.Add(time.Hour))
	d := attempt(3, 0, StateRunning, base.Add(time.Hour))

	jobs := AggregateJobs([]Attempt{a, b, c, d})

	require.Len(t, jobs, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{jobs[0].JobID, jobs[1].JobID, jobs[2].JobID})
	assert.Equal(t, "dpp.abnorm.ALL=1; dpp.norm.ALL=7", jobs[2].EtlInfo)
	assert.Equal(t, "N/A", jobs[0].EtlInfo)
	assert.Nil(t, jobs[0].LoadFinishTime)
}

func TestAggregateJobs_Empty(t *testing.T) {
	assert.Empty(t, AggregateJobs(nil))
}
