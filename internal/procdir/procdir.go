// Package procdir builds the tabular read models served by the listing
// endpoints: the executions currently registered and the load job history.
package procdir

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidJobID  = errors.New("invalid job id format")
	ErrUnknownColumn = errors.New("unknown column")
)

const timeLayout = "2006-01-02 15:04:05"

// Result is a titled table of string cells.
type Result struct {
	Names []string   `json:"names"`
	Rows  [][]string `json:"rows"`
}

func analyzeColumn(titles []string, name string) (int, error) {
	for i, title := range titles {
		if strings.EqualFold(title, name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: title name[%s] does not exist", ErrUnknownColumn, name)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "N/A"
	}
	return t.Format(timeLayout)
}
