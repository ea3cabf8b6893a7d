package dataset

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// missingTokens are cell values read as a missing number
var missingTokens = map[string]bool{
	"":     true,
	"NA":   true,
	"NaN":  true,
	"nan":  true,
	"null": true,
	"None": true,
}

// IsMissing reports whether a raw cell denotes a missing value
func IsMissing(cell string) bool {
	return missingTokens[strings.TrimSpace(cell)]
}

// ReadCSV parses a delimited sales table. The header must contain the store
// and product identifier columns; every other recognized column is optional.
func ReadCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("empty csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make([]string, len(header))
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.Trim(h, "\""))
		// pandas writes a UTF-8 BOM on some platforms
		h = strings.TrimPrefix(h, "\ufeff")
		columns[i] = h
		index[h] = i
	}
	for _, required := range []string{ColumnStoreID, ColumnProductID} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("csv header missing required column %q", required)
		}
	}

	table := &Table{Columns: columns}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != len(columns) {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", line, len(columns), len(record))
		}

		row := Record{}
		for i, col := range columns {
			cell := strings.TrimSpace(record[i])
			switch {
			case col == ColumnStoreID:
				row.StoreID = cell
			case col == ColumnProductID:
				row.ProductID = cell
			case col == ColumnDate:
				row.Date = cell
			case col == ColumnSaleAmount:
				v, err := parseNumber(cell)
				if err != nil {
					return nil, fmt.Errorf("line %d column %s: %w", line, col, err)
				}
				row.SaleAmount = v
			case IsOptionalFeature(col):
				v, err := parseNumber(cell)
				if err != nil {
					return nil, fmt.Errorf("line %d column %s: %w", line, col, err)
				}
				if row.Features == nil {
					row.Features = make(map[string]sql.NullFloat64)
				}
				row.Features[col] = v
			default:
				if row.Extra == nil {
					row.Extra = make(map[string]string)
				}
				row.Extra[col] = record[i]
			}
		}
		table.Records = append(table.Records, row)
	}

	return table, nil
}

func parseNumber(cell string) (sql.NullFloat64, error) {
	if IsMissing(cell) {
		return sql.NullFloat64{}, nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return sql.NullFloat64{}, fmt.Errorf("invalid number %q", cell)
	}
	return sql.NullFloat64{Float64: v, Valid: true}, nil
}

// WriteCSV serializes t with its original column order. Missing numbers are
// written as empty cells.
func WriteCSV(w io.Writer, t *Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	row := make([]string, len(t.Columns))
	for n, r := range t.Records {
		for i, col := range t.Columns {
			switch {
			case col == ColumnStoreID:
				row[i] = r.StoreID
			case col == ColumnProductID:
				row[i] = r.ProductID
			case col == ColumnDate:
				row[i] = r.Date
			case col == ColumnSaleAmount:
				row[i] = formatNumber(r.SaleAmount)
			case IsOptionalFeature(col):
				row[i] = formatNumber(r.Feature(col))
			default:
				row[i] = r.Extra[col]
			}
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write record %d: %w", n, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatNumber(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}
