// Package forecast fits time-series models to prepared sales series and
// produces point forecasts with uncertainty bounds.
package forecast

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Frame is the tabular exchange format with engines: ds, y and named
// regressor columns. Y may be nil for prediction frames.
type Frame struct {
	DS         []time.Time
	Y          []float64
	Regressors map[string][]float64
}

// Len returns the number of rows
func (f Frame) Len() int {
	return len(f.DS)
}

// Prediction is one forecast row
type Prediction struct {
	DS        time.Time `json:"ds"`
	YHat      float64   `json:"yhat"`
	YHatLower float64   `json:"yhat_lower"`
	YHatUpper float64   `json:"yhat_upper"`
}

// Engine is a fit/predict forecasting model
type Engine interface {
	Name() string
	// AddRegressor registers an exogenous column; must precede Fit
	AddRegressor(name string) error
	Fit(history Frame) error
	Predict(future Frame) ([]Prediction, error)
}

// Engine names
const (
	EngineProphet = "prophet"
	EngineLinear  = "linear"
)

// EngineConfig holds model hyperparameters shared by the engines
type EngineConfig struct {
	IntervalWidth         float64 `mapstructure:"interval_width" json:"interval_width"`
	Changepoints          int     `mapstructure:"changepoints" json:"changepoints"`
	ChangepointRange      float64 `mapstructure:"changepoint_range" json:"changepoint_range"`
	ChangepointPriorScale float64 `mapstructure:"changepoint_prior_scale" json:"changepoint_prior_scale"`
	SeasonalityPriorScale float64 `mapstructure:"seasonality_prior_scale" json:"seasonality_prior_scale"`
	RegressorPriorScale   float64 `mapstructure:"regressor_prior_scale" json:"regressor_prior_scale"`
}

// DefaultEngineConfig mirrors the usual Prophet defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		IntervalWidth:         0.8,
		Changepoints:          25,
		ChangepointRange:      0.8,
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10,
		RegressorPriorScale:   10,
	}
}

// Validate checks hyperparameter ranges
func (c EngineConfig) Validate() error {
	if c.IntervalWidth <= 0 || c.IntervalWidth >= 1 {
		return fmt.Errorf("interval width must be in (0, 1), got %v", c.IntervalWidth)
	}
	if c.Changepoints < 0 {
		return fmt.Errorf("changepoints must not be negative")
	}
	if c.ChangepointRange <= 0 || c.ChangepointRange > 1 {
		return fmt.Errorf("changepoint range must be in (0, 1], got %v", c.ChangepointRange)
	}
	if c.ChangepointPriorScale <= 0 || c.SeasonalityPriorScale <= 0 || c.RegressorPriorScale <= 0 {
		return fmt.Errorf("prior scales must be positive")
	}
	return nil
}

// NewEngine creates an unfitted engine by name
func NewEngine(name string, cfg EngineConfig) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch name {
	case EngineProphet, "":
		return NewProphetEngine(cfg), nil
	case EngineLinear:
		return NewLinearEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown forecast engine: %s", name)
	}
}

// EngineNames lists the available engines
func EngineNames() []string {
	return []string{EngineLinear, EngineProphet}
}

// ErrInvalidHorizon is returned for a horizon outside the configured bounds
var ErrInvalidHorizon = errors.New("invalid forecast horizon")

// InsufficientDataError marks a series too short to forecast. It is a
// degraded state rather than a failure.
type InsufficientDataError struct {
	Rows    int
	MinRows int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("not enough data: %d rows, need more than %d", e.Rows, e.MinRows)
}

// ModelFitError wraps an engine rejection of the prepared series
type ModelFitError struct {
	Engine string
	Err    error
}

func (e *ModelFitError) Error() string {
	return fmt.Sprintf("%s model fit failed: %v", e.Engine, e.Err)
}

func (e *ModelFitError) Unwrap() error {
	return e.Err
}

// MakeFutureFrame returns the unique historical dates followed by periods
// consecutive days after the last one.
func MakeFutureFrame(history Frame, periods int) Frame {
	dates := uniqueDates(history.DS)
	if len(dates) == 0 {
		return Frame{Regressors: map[string][]float64{}}
	}
	last := dates[len(dates)-1]
	for i := 1; i <= periods; i++ {
		dates = append(dates, last.AddDate(0, 0, i))
	}
	return Frame{DS: dates, Regressors: map[string][]float64{}}
}

func uniqueDates(ds []time.Time) []time.Time {
	sorted := make([]time.Time, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	out := make([]time.Time, 0, len(sorted))
	for i, d := range sorted {
		if i > 0 && d.Equal(sorted[i-1]) {
			continue
		}
		out = append(out, d)
	}
	return out
}
