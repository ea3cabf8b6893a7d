package forecast

import (
	"math"

	"retail-sales-forecaster/prep"
)

// Evaluation compares predictions against held-out sales
type Evaluation struct {
	MatchedDays int     `json:"matched_days"`
	MAE         float64 `json:"mae"`
	RMSE        float64 `json:"rmse"`
	MAPE        float64 `json:"mape"` // percent, over days with non-zero sales
}

// Evaluate scores result against actual on the dates both contain. Dates
// with several actual rows use their mean. It returns nil when nothing
// overlaps.
func Evaluate(result *Result, actual *prep.PreparedSeries) *Evaluation {
	if result == nil || actual.Len() == 0 {
		return nil
	}

	sums := make(map[int64]float64)
	counts := make(map[int64]int)
	for _, p := range actual.Points {
		sums[p.Date.Unix()] += p.SaleAmount
		counts[p.Date.Unix()]++
	}

	var observed, predicted []float64
	for _, pred := range result.Predictions {
		key := pred.DS.Unix()
		if counts[key] == 0 {
			continue
		}
		observed = append(observed, sums[key]/float64(counts[key]))
		predicted = append(predicted, pred.YHat)
	}
	if len(observed) == 0 {
		return nil
	}

	return &Evaluation{
		MatchedDays: len(observed),
		MAE:         meanAbsoluteError(observed, predicted),
		RMSE:        rootMeanSquaredError(observed, predicted),
		MAPE:        meanAbsolutePercentageError(observed, predicted),
	}
}

func meanAbsoluteError(actual, predicted []float64) float64 {
	sum := 0.0
	for i := range actual {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(len(actual))
}

func rootMeanSquaredError(actual, predicted []float64) float64 {
	sum := 0.0
	for i := range actual {
		diff := actual[i] - predicted[i]
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(actual)))
}

func meanAbsolutePercentageError(actual, predicted []float64) float64 {
	sum := 0.0
	count := 0
	for i := range actual {
		if actual[i] != 0 {
			sum += math.Abs((actual[i] - predicted[i]) / actual[i])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return (sum / float64(count)) * 100
}
