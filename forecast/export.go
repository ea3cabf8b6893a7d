package forecast

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// ExportColumns is the header of an exported forecast
var ExportColumns = []string{"ds", "yhat", "yhat_lower", "yhat_upper"}

// ExportFileName names the download for a selection
func ExportFileName(storeID, productID string) string {
	return fmt.Sprintf("forecast_store%s_product%s.csv", storeID, productID)
}

// WriteCSV writes every prediction of result as ds,yhat,yhat_lower,yhat_upper
func WriteCSV(w io.Writer, result *Result) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ExportColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range result.Predictions {
		row := []string{
			p.DS.Format("2006-01-02"),
			strconv.FormatFloat(p.YHat, 'f', -1, 64),
			strconv.FormatFloat(p.YHatLower, 'f', -1, 64),
			strconv.FormatFloat(p.YHatUpper, 'f', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write prediction %s: %w", row[0], err)
		}
	}
	writer.Flush()
	return writer.Error()
}
