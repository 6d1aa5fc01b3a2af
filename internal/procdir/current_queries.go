package procdir

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/nadmax/pullload/internal/coordinator"
	"github.com/nadmax/pullload/internal/execid"
	"github.com/nadmax/pullload/internal/registry"
)

var CurrentQueryTitles = []string{"QueryId", "Database", "User", "ExecTime"}

const execTimeIndex = 3

// StatisticsSource is the part of the registry the listing reads.
type StatisticsSource interface {
	Snapshot() []registry.Statistics
	Lookup(id execid.ID) (registry.Statistics, error)
	Coordinator(id execid.ID) (coordinator.Coordinator, bool)
}

type CurrentQueries struct {
	src StatisticsSource
}

func NewCurrentQueries(src StatisticsSource) *CurrentQueries {
	return &CurrentQueries{src: src}
}

// QueryDetail is the drill-down view of one registered execution.
type QueryDetail struct {
	registry.Statistics
	Live          bool `json:"live"`
	DoneInstances int  `json:"done_instances,omitempty"`
	Instances     int  `json:"instances,omitempty"`
}

// Fetch lists every registered execution, longest running first. Equal
// exec times are ordered by query id.
func (c *CurrentQueries) Fetch() Result {
	stats := c.src.Snapshot()
	slices.SortFunc(stats, func(a, b registry.Statistics) int {
		if n := cmp.Compare(b.ExecTimeMillis, a.ExecTimeMillis); n != 0 {
			return n
		}
		return cmp.Compare(a.QueryID, b.QueryID)
	})

	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.QueryID,
			s.Database,
			s.User,
			strconv.FormatInt(s.ExecTimeMillis, 10),
		})
	}
	return Result{Names: CurrentQueryTitles, Rows: rows}
}

func (c *CurrentQueries) Lookup(name string) (QueryDetail, error) {
	if name == "" {
		return QueryDetail{}, fmt.Errorf("%w: empty query id", ErrNotFound)
	}
	id, err := execid.Parse(name)
	if err != nil {
		return QueryDetail{}, fmt.Errorf("%w: %s does not exist", ErrNotFound, name)
	}

	s, err := c.src.Lookup(id)
	if errors.Is(err, registry.ErrNotFound) {
		return QueryDetail{}, fmt.Errorf("%w: %s does not exist", ErrNotFound, name)
	}
	if err != nil {
		return QueryDetail{}, err
	}

	detail := QueryDetail{Statistics: s}
	if coord, ok := c.src.Coordinator(id); ok {
		detail.Live = true
		if p, ok := coord.(coordinator.ProgressReporter); ok {
			detail.DoneInstances, detail.Instances = p.Progress()
		}
	}
	return detail, nil
}

func AnalyzeCurrentQueryColumn(name string) (int, error) {
	return analyzeColumn(CurrentQueryTitles, name)
}
