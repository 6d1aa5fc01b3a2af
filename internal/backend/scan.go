package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/nadmax/pullload/internal/plan"
)

// scanStats counts the rows of one fragment instance.
type scanStats struct {
	normal   int64
	abnormal int64
}

// scanRange reads one file, writing well-formed rows to delta and malformed
// ones to errLog. A row is malformed when its field count differs from the
// range's column count.
func scanRange(ctx context.Context, r plan.ScanRange, delta, errLog *csv.Writer, stats *scanStats) error {
	f, err := os.Open(strings.TrimPrefix(r.Path, "file://"))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	scanner.Split(splitOn(orDefault(r.LineDelimiter, "\n")))

	sep := orDefault(r.ColumnSeparator, "\t")
	for line := 0; scanner.Scan(); line++ {
		if line%1024 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		text := strings.TrimSuffix(scanner.Text(), "\r")
		if text == "" {
			continue
		}

		fields, err := splitFields(text, sep)
		if err != nil || (r.NumColumns > 0 && len(fields) != r.NumColumns) {
			stats.abnormal++
			reason := fmt.Sprintf("expected %d columns, got %d", r.NumColumns, len(fields))
			if err != nil {
				reason = err.Error()
			}
			if err := errLog.Write([]string{r.Path, fmt.Sprint(line + 1), reason, text}); err != nil {
				return err
			}
			continue
		}

		stats.normal++
		if err := delta.Write(fields); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", r.Path, err)
	}
	return ctx.Err()
}

func splitFields(line, sep string) ([]string, error) {
	if utf8.RuneCountInString(sep) != 1 {
		return strings.Split(line, sep), nil
	}
	reader := csv.NewReader(strings.NewReader(line))
	reader.Comma, _ = utf8.DecodeRuneInString(sep)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	record, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	return record, err
}

func splitOn(delim string) bufio.SplitFunc {
	sep := []byte(delim)
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func newTSVWriter(w io.Writer) *csv.Writer {
	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	return writer
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
