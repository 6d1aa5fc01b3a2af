package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/pullload/internal/plan"
)

func TestSpecKey(t *testing.T) {
	spec := &Spec{JobID: 42, TaskID: 3}

	assert.Equal(t, "42-3", spec.Key())
	assert.Equal(t, spec.Key(), SpecKey(42, 3))
}

func TestSpecToJSON(t *testing.T) {
	spec := testSpec()
	spec.FileGroups = []plan.FileGroup{{FilePaths: []string{"hdfs://nn/data/*"}, ColumnSeparator: ","}}
	spec.FileStatuses = [][]plan.FileStatus{{{Path: "hdfs://nn/data/a.csv", Size: 128}}}
	spec.FileNum = 1
	spec.Deadline = testNow.Add(time.Hour)

	jsonStr, err := spec.ToJSON()
	require.NoError(t, err)

	assert.Contains(t, jsonStr, `"job_id":10`)
	assert.Contains(t, jsonStr, "a.csv")

	restored, err := SpecFromJSON(jsonStr)
	require.NoError(t, err)
	assert.Equal(t, spec.Key(), restored.Key())
	assert.True(t, spec.Deadline.Equal(restored.Deadline))
	assert.Equal(t, spec.FileStatuses, restored.FileStatuses)
	assert.Equal(t, spec.request(), restored.request())
}

func TestSpecToJSON_NoDeadline(t *testing.T) {
	jsonStr, err := testSpec().ToJSON()
	require.NoError(t, err)

	assert.NotContains(t, jsonStr, "deadline")

	restored, err := SpecFromJSON(jsonStr)
	require.NoError(t, err)
	assert.True(t, restored.Deadline.IsZero())
}

func TestSpecFromJSON_InvalidJSON(t *testing.T) {
	_, err := SpecFromJSON("invalid json")

	assert.Error(t, err)
}
