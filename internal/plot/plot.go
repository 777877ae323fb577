// Package plot renders a numeric series as a fixed-height ASCII bar chart.
//
// Values are scaled by the smallest integer divisor that makes the tallest
// bar fit in the configured rows:
//
//	    *
//	   ***
//	 * ****
//	********
//	--------
//	min=1, max=34, last=12
//
// A Plot remembers whether it has drawn; a second Draw moves the cursor back
// over the previous chart before redrawing it in place.
package plot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/trifle-io/gramola/internal/datasource"
)

const (
	DefaultRows  = 10
	DefaultWidth = 80

	eraseLine = "\033[K"
	cursorUp  = "\033[1A"
)

var ErrTooManyPoints = errors.New("too many points")

type TooManyPointsError struct {
	Points int
	Width  int
}

func (e *TooManyPointsError) Error() string {
	return fmt.Sprintf("%d points do not fit into a screen of %d columns", e.Points, e.Width)
}

func (e *TooManyPointsError) Is(target error) bool {
	return target == ErrTooManyPoints
}

type Option func(*Plot)

// WithRows sets the chart height. Values below 1 are ignored.
func WithRows(rows int) Option {
	return func(p *Plot) {
		if rows > 0 {
			p.rows = rows
		}
	}
}

// WithWidth sets the terminal width; it caps the number of points and sizes
// the separator line.
func WithWidth(width int) Option {
	return func(p *Plot) {
		if width > 0 {
			p.width = width
		}
	}
}

// WithMaxValue scales against max instead of the largest observed value.
func WithMaxValue(max float64) Option {
	return func(p *Plot) {
		p.maxValue = max
		p.fixedMax = true
	}
}

// WithZeroFloor reports a min of at most 0 in the summary line.
func WithZeroFloor() Option {
	return func(p *Plot) {
		p.zeroFloor = true
	}
}

type Plot struct {
	out       io.Writer
	rows      int
	width     int
	maxValue  float64
	fixedMax  bool
	zeroFloor bool
	drawn     bool
}

func New(out io.Writer, opts ...Option) *Plot {
	p := &Plot{out: out, rows: DefaultRows, width: DefaultWidth}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plot) Rows() int  { return p.rows }
func (p *Plot) Width() int { return p.width }

// Draw renders points. It fails with a *TooManyPointsError, leaving the
// output untouched, when there are more points than columns.
func (p *Plot) Draw(points []datasource.Point) error {
	if len(points) > p.width {
		return &TooManyPointsError{Points: len(points), Width: p.width}
	}

	w := bufio.NewWriter(p.out)
	if p.drawn {
		// The summary line has no trailing newline, so the cursor sits on it.
		w.WriteString("\r" + eraseLine)
		for i := 0; i < p.rows+1; i++ {
			w.WriteString(cursorUp + eraseLine)
		}
	}

	values := pointValues(points)
	top := maxOf(values)
	if p.fixedMax {
		top = p.maxValue
	}
	divisor := Divisor(top, p.rows)

	var line strings.Builder
	for row := p.rows; row > 0; row-- {
		line.Reset()
		for _, v := range values {
			if math.Floor(v/divisor) >= float64(row) {
				line.WriteByte('*')
			} else {
				line.WriteByte(' ')
			}
		}
		line.WriteByte('\n')
		w.WriteString(line.String())
	}
	w.WriteString(strings.Repeat("-", p.width) + "\n")

	low := minOf(values)
	if p.zeroFloor && low > 0 {
		low = 0
	}
	fmt.Fprintf(w, "min=%s, max=%s, last=%s", formatValue(low), formatValue(maxOf(values)), formatValue(values[len(values)-1]))

	if err := w.Flush(); err != nil {
		return err
	}
	p.drawn = true
	return nil
}

// Divisor returns the smallest integer d >= 1 with floor(max/d) <= rows.
func Divisor(max float64, rows int) float64 {
	if rows < 1 {
		rows = 1
	}
	limit := float64(rows)
	if math.IsNaN(max) || math.IsInf(max, 0) || math.Floor(max) <= limit {
		return 1
	}
	// floor(max/d) <= rows holds exactly when d > max/(rows+1); the scans
	// only correct float rounding around that bound.
	d := math.Floor(max/(limit+1)) + 1
	for d > 1 && d-1 != d && math.Floor(max/(d-1)) <= limit {
		d--
	}
	for math.Floor(max/d) > limit {
		next := d + 1
		if next == d {
			next = math.Nextafter(d, math.Inf(1))
		}
		d = next
	}
	return d
}

func pointValues(points []datasource.Point) []float64 {
	if len(points) == 0 {
		return []float64{0}
	}
	values := make([]float64, len(points))
	for i, p := range points {
		if p.Valid {
			values[i] = p.Value
		}
	}
	return values
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		m = math.Min(m, v)
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		m = math.Max(m, v)
	}
	return m
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
