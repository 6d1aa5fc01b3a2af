// Package plan turns a load task's table and file groups into a distributed
// execution plan: a descriptor table, scan nodes and fragments.
package plan

import (
	"errors"
	"fmt"
)

var ErrPlan = errors.New("plan error")

const DefaultMaxFilesPerInstance = 4

type (
	Database struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		ClusterName string `json:"cluster_name"`
	}
	Column struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	Table struct {
		ID      int64    `json:"id"`
		Name    string   `json:"name"`
		Columns []Column `json:"columns"`
	}
	BrokerDesc struct {
		Name       string            `json:"name"`
		Properties map[string]string `json:"properties,omitempty"`
	}
	FileGroup struct {
		FilePaths       []string `json:"file_paths"`
		ColumnSeparator string   `json:"column_separator,omitempty"`
		LineDelimiter   string   `json:"line_delimiter,omitempty"`
		ColumnNames     []string `json:"column_names,omitempty"`
	}
	FileStatus struct {
		Path  string `json:"path"`
		Size  int64  `json:"size"`
		IsDir bool   `json:"is_dir,omitempty"`
	}
)

type (
	SlotDescriptor struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	TupleDescriptor struct {
		ID      int              `json:"id"`
		TableID int64            `json:"table_id"`
		Slots   []SlotDescriptor `json:"slots"`
	}
	DescriptorTable struct {
		Tuples []TupleDescriptor `json:"tuples"`
	}
	ScanRange struct {
		Path            string `json:"path"`
		Size            int64  `json:"size"`
		ColumnSeparator string `json:"column_separator"`
		LineDelimiter   string `json:"line_delimiter"`
		NumColumns      int    `json:"num_columns"`
	}
	ScanNode struct {
		ID      int         `json:"id"`
		TupleID int         `json:"tuple_id"`
		Broker  BrokerDesc  `json:"broker"`
		Ranges  []ScanRange `json:"ranges"`
	}
	FragmentInstance struct {
		ScanRanges []ScanRange `json:"scan_ranges"`
	}
	Fragment struct {
		ID         int                `json:"id"`
		ScanNodeID int                `json:"scan_node_id"`
		Instances  []FragmentInstance `json:"instances"`
	}
	Plan struct {
		DescTable DescriptorTable `json:"desc_table"`
		Fragments []Fragment      `json:"fragments"`
		ScanNodes []ScanNode      `json:"scan_nodes"`
	}
)

func (p *Plan) NumInstances() int {
	n := 0
	for _, f := range p.Fragments {
		n += len(f.Instances)
	}
	return n
}

type Request struct {
	Database     Database
	Table        Table
	Broker       BrokerDesc
	FileGroups   []FileGroup
	FileStatuses [][]FileStatus
	FileNum      int
}

type Planner interface {
	Plan(req Request) (*Plan, error)
}

type PlannerFunc func(req Request) (*Plan, error)

func (f PlannerFunc) Plan(req Request) (*Plan, error) {
	return f(req)
}

type BrokerPlanner struct {
	MaxFilesPerInstance int
}

func NewBrokerPlanner(maxFilesPerInstance int) *BrokerPlanner {
	if maxFilesPerInstance <= 0 {
		maxFilesPerInstance = DefaultMaxFilesPerInstance
	}
	return &BrokerPlanner{MaxFilesPerInstance: maxFilesPerInstance}
}

func (p *BrokerPlanner) Plan(req Request) (*Plan, error) {
	if len(req.FileGroups) != len(req.FileStatuses) {
		return nil, fmt.Errorf("%w: %d file groups but %d file status lists",
			ErrPlan, len(req.FileGroups), len(req.FileStatuses))
	}
	if len(req.Table.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %s has no columns", ErrPlan, req.Table.Name)
	}

	tuple := TupleDescriptor{ID: 0, TableID: req.Table.ID}
	for i, col := range req.Table.Columns {
		tuple.Slots = append(tuple.Slots, SlotDescriptor{ID: i, Name: col.Name, Type: col.Type})
	}

	result := &Plan{DescTable: DescriptorTable{Tuples: []TupleDescriptor{tuple}}}
	files := 0
	for i, group := range req.FileGroups {
		numColumns := len(group.ColumnNames)
		if numColumns == 0 {
			numColumns = len(req.Table.Columns)
		}

		node := ScanNode{ID: i, TupleID: tuple.ID, Broker: req.Broker}
		for _, fs := range req.FileStatuses[i] {
			if fs.IsDir {
				continue
			}
			node.Ranges = append(node.Ranges, ScanRange{
				Path:            fs.Path,
				Size:            fs.Size,
				ColumnSeparator: orDefault(group.ColumnSeparator, "\t"),
				LineDelimiter:   orDefault(group.LineDelimiter, "\n"),
				NumColumns:      numColumns,
			})
		}
		files += len(node.Ranges)
		if len(node.Ranges) == 0 {
			continue
		}

		result.ScanNodes = append(result.ScanNodes, node)
		result.Fragments = append(result.Fragments, Fragment{
			ID:         len(result.Fragments),
			ScanNodeID: node.ID,
			Instances:  p.split(node.Ranges),
		})
	}

	if files == 0 {
		return nil, fmt.Errorf("%w: no file to load", ErrPlan)
	}
	if req.FileNum != files {
		return nil, fmt.Errorf("%w: expected %d files, listed %d", ErrPlan, req.FileNum, files)
	}

	return result, nil
}

func (p *BrokerPlanner) split(ranges []ScanRange) []FragmentInstance {
	limit := p.MaxFilesPerInstance
	if limit <= 0 {
		limit = DefaultMaxFilesPerInstance
	}

	var instances []FragmentInstance
	for start := 0; start < len(ranges); start += limit {
		end := min(start+limit, len(ranges))
		instances = append(instances, FragmentInstance{ScanRanges: ranges[start:end]})
	}
	return instances
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
