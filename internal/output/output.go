package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/trifle-io/gramola/internal/datasource"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

type Table struct {
	Columns []string
	Rows    [][]string
}

func PrintJSON(w io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	_, err = w.Write(append(encoded, '\n'))
	return err
}

func PrintTable(w io.Writer, table Table) {
	if len(table.Columns) == 0 {
		return
	}

	widths := make([]int, len(table.Columns))
	for i, col := range table.Columns {
		widths[i] = len(col)
	}
	for _, row := range table.Rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			widths[i] = max(widths[i], len(cell))
		}
	}

	writeRow := func(values []string) {
		for i, value := range values {
			if i > 0 {
				fmt.Fprint(w, "  ")
			}
			if i == len(values)-1 {
				fmt.Fprint(w, value)
				continue
			}
			fmt.Fprint(w, padRight(value, widths[i]))
		}
		fmt.Fprint(w, "\n")
	}

	writeRow(table.Columns)
	separators := make([]string, len(table.Columns))
	for i, width := range widths {
		separators[i] = strings.Repeat("-", width)
	}
	writeRow(separators)

	for _, row := range table.Rows {
		normalized := make([]string, len(table.Columns))
		copy(normalized, row)
		writeRow(normalized)
	}
}

func PrintCSV(w io.Writer, table Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Columns); err != nil {
		return err
	}
	for _, row := range table.Rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// Print writes table in the table and csv formats, and value as JSON
// otherwise.
func Print(w io.Writer, format string, table Table, value any) error {
	switch format {
	case FormatTable:
		PrintTable(w, table)
		return nil
	case FormatCSV:
		return PrintCSV(w, table)
	case FormatJSON:
		return PrintJSON(w, value)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// ValidateFormat reports whether format is one of allowed.
func ValidateFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q, want one of %s", format, strings.Join(allowed, ", "))
}

type jsonPoint struct {
	Timestamp time.Time `json:"at"`
	Value     *float64  `json:"value"`
}

// PointsTable lays points out as at/value rows; missing values are empty
// cells.
func PointsTable(points []datasource.Point) Table {
	table := Table{Columns: []string{"at", "value"}, Rows: make([][]string, 0, len(points))}
	for _, p := range points {
		value := ""
		if p.Valid {
			value = FormatCell(p.Value)
		}
		table.Rows = append(table.Rows, []string{p.Timestamp.UTC().Format(time.RFC3339), value})
	}
	return table
}

// PointsJSON is the JSON shape of points; missing values encode as null.
func PointsJSON(points []datasource.Point) any {
	out := make([]jsonPoint, 0, len(points))
	for _, p := range points {
		jp := jsonPoint{Timestamp: p.Timestamp.UTC()}
		if p.Valid {
			v := p.Value
			jp.Value = &v
		}
		out = append(out, jp)
	}
	return out
}

func FormatCell(value any) string {
	if value == nil {
		return ""
	}

	switch v := value.(type) {
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(value)
	}
}

func padRight(value string, width int) string {
	if len(value) >= width {
		return value
	}
	return value + strings.Repeat(" ", width-len(value))
}
