// Package prep turns raw sales records into a clean, date-ordered series for
// one store and product.
package prep

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"retail-sales-forecaster/dataset"
)

// DataError reports structurally invalid input
type DataError struct {
	Row    int // position in the source table, -1 for table-level problems
	Column string
	Value  string
	Reason string
}

func (e *DataError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("data error: column %s: %s", e.Column, e.Reason)
	}
	return fmt.Sprintf("data error: row %d column %s (%q): %s", e.Row, e.Column, e.Value, e.Reason)
}

// Options tunes preparation
type Options struct {
	// FillAfterSort imputes missing values in chronological order instead of
	// source order. Off by default: source-order fill is the established
	// behavior and turning it on changes results for unsorted sources.
	FillAfterSort bool
}

// Point is one prepared observation
type Point struct {
	Date       time.Time
	SaleAmount float64
	// Features is aligned with PreparedSeries.Features
	Features []float64
}

// PreparedSeries is the analysis-ready series for one store and product
type PreparedSeries struct {
	StoreID   string
	ProductID string
	Features  []string
	Points    []Point
}

// Len returns the number of observations
func (s *PreparedSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Head returns at most n leading points
func (s *PreparedSeries) Head(n int) []Point {
	if n < 0 || n > len(s.Points) {
		n = len(s.Points)
	}
	return s.Points[:n]
}

// LastDate returns the date of the final observation
func (s *PreparedSeries) LastDate() (time.Time, bool) {
	if s.Len() == 0 {
		return time.Time{}, false
	}
	return s.Points[len(s.Points)-1].Date, true
}

// FeatureIndex returns the position of name in Features, or -1
func (s *PreparedSeries) FeatureIndex(name string) int {
	for i, f := range s.Features {
		if f == name {
			return i
		}
	}
	return -1
}

// dateLayouts are tried in order when normalizing the date column
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006/01/02",
}

// ParseDate parses an ISO-8601 style date and truncates it to the calendar
// day in UTC.
func ParseDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// Prepare filters table to (storeID, productID), normalizes dates, fills
// missing numeric cells and sorts by date. An empty match yields an empty
// series and no error. The table is not modified.
func Prepare(table *dataset.Table, storeID, productID string, opts Options) (*PreparedSeries, error) {
	if !table.HasColumn(dataset.ColumnDate) {
		return nil, &DataError{Row: -1, Column: dataset.ColumnDate, Reason: "column missing"}
	}
	if !table.HasColumn(dataset.ColumnSaleAmount) {
		return nil, &DataError{Row: -1, Column: dataset.ColumnSaleAmount, Reason: "column missing"}
	}

	active := dataset.ActiveFeatures(table)
	series := &PreparedSeries{
		StoreID:   storeID,
		ProductID: productID,
		Features:  make([]string, len(active)),
		Points:    make([]Point, 0),
	}
	for i, f := range active {
		series.Features[i] = f.Name
	}

	var rows []dataset.Record
	for i, r := range table.Records {
		if r.StoreID != storeID || r.ProductID != productID {
			continue
		}
		date, err := ParseDate(r.Date)
		if err != nil {
			return nil, &DataError{Row: i, Column: dataset.ColumnDate, Value: r.Date, Reason: "unparseable date"}
		}
		rows = append(rows, r)
		series.Points = append(series.Points, Point{Date: date})
	}
	if len(rows) == 0 {
		return series, nil
	}

	if opts.FillAfterSort {
		order := chronological(series.Points)
		sortedRows := make([]dataset.Record, len(rows))
		sortedPoints := make([]Point, len(rows))
		for i, idx := range order {
			sortedRows[i] = rows[idx]
			sortedPoints[i] = series.Points[idx]
		}
		rows, series.Points = sortedRows, sortedPoints
		fill(series, rows, active)
		return series, nil
	}

	fill(series, rows, active)
	sort.SliceStable(series.Points, func(i, j int) bool {
		return series.Points[i].Date.Before(series.Points[j].Date)
	})
	return series, nil
}

// fill imputes the target and active features in the current row order
func fill(series *PreparedSeries, rows []dataset.Record, active []dataset.Feature) {
	cells := make([]sql.NullFloat64, len(rows))
	for i, r := range rows {
		cells[i] = r.SaleAmount
	}
	for i, v := range dataset.SaleAmount.Fill.Apply(cells) {
		series.Points[i].SaleAmount = v
	}

	for i := range series.Points {
		series.Points[i].Features = make([]float64, len(active))
	}
	for f, feature := range active {
		for i, r := range rows {
			cells[i] = r.Feature(feature.Name)
		}
		for i, v := range feature.Fill.Apply(cells) {
			series.Points[i].Features[f] = v
		}
	}
}

// chronological returns the stable date order of points as source indices
func chronological(points []Point) []int {
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return points[order[a]].Date.Before(points[order[b]].Date)
	})
	return order
}
