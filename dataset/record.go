// Package dataset holds the raw retail sales tables and the ways they are
// obtained: CSV codec, cache stores and remote fetchers.
package dataset

import (
	"database/sql"
	"sort"
	"strconv"
)

// Canonical column names of the sales tables
const (
	ColumnStoreID    = "store_id"
	ColumnProductID  = "product_id"
	ColumnDate       = "dt"
	ColumnSaleAmount = "sale_amount"
)

// FillPolicy decides how missing cells of a numeric column are imputed
type FillPolicy int

const (
	// ForwardFill propagates the last valid value; leading gaps become zero
	ForwardFill FillPolicy = iota
	// ZeroFill replaces every missing cell with zero
	ZeroFill
)

// String returns the policy name
func (p FillPolicy) String() string {
	switch p {
	case ForwardFill:
		return "ffill"
	case ZeroFill:
		return "zero"
	default:
		return "unknown"
	}
}

// Apply imputes the missing cells of values in slice order.
func (p FillPolicy) Apply(values []sql.NullFloat64) []float64 {
	out := make([]float64, len(values))
	var last float64
	seen := false
	for i, v := range values {
		switch {
		case v.Valid:
			out[i] = v.Float64
			last, seen = v.Float64, true
		case p == ForwardFill && seen:
			out[i] = last
		default:
			out[i] = 0
		}
	}
	return out
}

// Feature describes a numeric column together with its fill policy
type Feature struct {
	Name string
	Fill FillPolicy
}

// SaleAmount is the forecast target column
var SaleAmount = Feature{Name: ColumnSaleAmount, Fill: ForwardFill}

// OptionalFeatures is the declared set of exogenous regressor columns. Tables
// may carry any subset of them.
var OptionalFeatures = []Feature{
	{Name: "discount", Fill: ForwardFill},
	{Name: "precpt", Fill: ForwardFill},
	{Name: "avg_temperature", Fill: ForwardFill},
	{Name: "avg_humidity", Fill: ForwardFill},
}

// IsOptionalFeature reports whether name is one of OptionalFeatures
func IsOptionalFeature(name string) bool {
	for _, f := range OptionalFeatures {
		if f.Name == name {
			return true
		}
	}
	return false
}

// ActiveFeatures returns the optional features present in t, in declared order.
func ActiveFeatures(t *Table) []Feature {
	var active []Feature
	for _, f := range OptionalFeatures {
		if t.HasColumn(f.Name) {
			active = append(active, f)
		}
	}
	return active
}

// Record is one raw row of a sales table
type Record struct {
	StoreID    string
	ProductID  string
	Date       string
	SaleAmount sql.NullFloat64
	Features   map[string]sql.NullFloat64
	// Extra keeps unrecognized columns verbatim so a table round-trips
	Extra map[string]string
}

// Feature returns the cell for an optional feature column
func (r Record) Feature(name string) sql.NullFloat64 {
	if r.Features == nil {
		return sql.NullFloat64{}
	}
	return r.Features[name]
}

// Table is an immutable sales table as loaded from a provider
type Table struct {
	Columns []string
	Records []Record
}

// Dataset bundles the train and eval splits
type Dataset struct {
	Train *Table
	Eval  *Table
}

// HasColumn reports whether the table header contains name
func (t *Table) HasColumn(name string) bool {
	if t == nil {
		return false
	}
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Len returns the number of records
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}

// StoreIDs returns the distinct store identifiers, sorted
func (t *Table) StoreIDs() []string {
	return t.distinct(func(r Record) string { return r.StoreID })
}

// ProductIDs returns the distinct product identifiers, sorted
func (t *Table) ProductIDs() []string {
	return t.distinct(func(r Record) string { return r.ProductID })
}

func (t *Table) distinct(key func(Record) string) []string {
	if t == nil {
		return nil
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, r := range t.Records {
		k := key(r)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, k)
	}
	SortIdentifiers(ids)
	return ids
}

// SortIdentifiers sorts ids numerically when all of them are integers and
// lexicographically otherwise.
func SortIdentifiers(ids []string) {
	for _, id := range ids {
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			sort.Strings(ids)
			return
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.ParseInt(ids[i], 10, 64)
		b, _ := strconv.ParseInt(ids[j], 10, 64)
		return a < b
	})
}
