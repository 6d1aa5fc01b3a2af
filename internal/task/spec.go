// Package task defines a load task: the serialisable Spec the queue and the
// persistence layer carry around, and the Task state machine that drives one
// execution attempt of it to a terminal state.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nadmax/pullload/internal/plan"
)

// Spec holds the immutable inputs of one sub-task of a load job.
type Spec struct {
	JobID        int64               `json:"job_id"`
	TaskID       int                 `json:"task_id"`
	Label        string              `json:"label,omitempty"`
	Database     plan.Database       `json:"database"`
	Table        plan.Table          `json:"table"`
	Broker       plan.BrokerDesc     `json:"broker"`
	FileGroups   []plan.FileGroup    `json:"file_groups"`
	FileStatuses [][]plan.FileStatus `json:"file_statuses"`
	FileNum      int                 `json:"file_num"`
	// Deadline is absolute; the zero value means the default timeout applies
	// to every wait.
	Deadline     time.Time `json:"deadline,omitzero"`
	ExecMemLimit int64     `json:"exec_mem_limit,omitempty"`
	User         string    `json:"user,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	// SubmissionID changes on every enqueue so a finished attempt can tell
	// whether the stored spec is still the one it ran.
	SubmissionID string `json:"submission_id,omitempty"`
}

// Key identifies the spec inside its job.
func (s *Spec) Key() string {
	return SpecKey(s.JobID, s.TaskID)
}

func SpecKey(jobID int64, taskID int) string {
	return fmt.Sprintf("%d-%d", jobID, taskID)
}

func (s *Spec) request() plan.Request {
	return plan.Request{
		Database:     s.Database,
		Table:        s.Table,
		Broker:       s.Broker,
		FileGroups:   s.FileGroups,
		FileStatuses: s.FileStatuses,
		FileNum:      s.FileNum,
	}
}

func (s *Spec) ToJSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func SpecFromJSON(data string) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(data), &spec); err != nil {
		return nil, err
	}

	return &spec, nil
}
