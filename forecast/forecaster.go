package forecast

import (
	"fmt"
	"time"

	"retail-sales-forecaster/prep"

	"github.com/sirupsen/logrus"
)

// Config controls forecast invocation
type Config struct {
	Engine     string       `mapstructure:"engine" json:"engine"`
	MinRows    int          `mapstructure:"min_rows" json:"min_rows"`
	HorizonMin int          `mapstructure:"horizon_min" json:"horizon_min"`
	HorizonMax int          `mapstructure:"horizon_max" json:"horizon_max"`
	Model      EngineConfig `mapstructure:"model" json:"model"`
}

// DefaultConfig returns the dashboard defaults: more than 10 rows and a
// horizon between 7 and 60 days.
func DefaultConfig() Config {
	return Config{
		Engine:     EngineProphet,
		MinRows:    10,
		HorizonMin: 7,
		HorizonMax: 60,
		Model:      DefaultEngineConfig(),
	}
}

// EngineFactory builds a fresh engine for each fit
type EngineFactory func(name string, cfg EngineConfig) (Engine, error)

// Option customizes a Forecaster
type Option func(*Forecaster)

// WithEngineFactory replaces the engine constructor
func WithEngineFactory(factory EngineFactory) Option {
	return func(f *Forecaster) { f.newEngine = factory }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(f *Forecaster) { f.logger = logger }
}

// Forecaster fits one engine per prepared series and predicts the history
// plus the requested horizon.
type Forecaster struct {
	cfg       Config
	newEngine EngineFactory
	logger    logrus.FieldLogger
}

// NewForecaster validates cfg and returns a Forecaster
func NewForecaster(cfg Config, opts ...Option) (*Forecaster, error) {
	if cfg.MinRows < 0 {
		return nil, fmt.Errorf("min rows must not be negative")
	}
	if cfg.HorizonMin <= 0 || cfg.HorizonMax < cfg.HorizonMin {
		return nil, fmt.Errorf("invalid horizon bounds [%d, %d]", cfg.HorizonMin, cfg.HorizonMax)
	}
	f := &Forecaster{
		cfg:       cfg,
		newEngine: NewEngine,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if _, err := f.newEngine(cfg.Engine, cfg.Model); err != nil {
		return nil, err
	}
	return f, nil
}

// Config returns the active configuration
func (f *Forecaster) Config() Config {
	return f.cfg
}

// Eligible reports whether a series of the given length may be forecast
func (f *Forecaster) Eligible(rows int) bool {
	return rows > f.cfg.MinRows
}

// ValidateHorizon checks horizonDays against the configured bounds
func (f *Forecaster) ValidateHorizon(horizonDays int) error {
	if horizonDays < f.cfg.HorizonMin || horizonDays > f.cfg.HorizonMax {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidHorizon, horizonDays, f.cfg.HorizonMin, f.cfg.HorizonMax)
	}
	return nil
}

// Result is the forecast for one selection
type Result struct {
	StoreID     string             `json:"store_id"`
	ProductID   string             `json:"product_id"`
	Engine      string             `json:"engine"`
	Horizon     int                `json:"horizon"`
	HistoryDays int                `json:"history_days"`
	Regressors  map[string]float64 `json:"regressors"`
	Predictions []Prediction       `json:"predictions"`
	FitDuration time.Duration      `json:"-"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// Tail returns at most the last n predictions
func (r *Result) Tail(n int) []Prediction {
	if n < 0 || n > len(r.Predictions) {
		n = len(r.Predictions)
	}
	return r.Predictions[len(r.Predictions)-n:]
}

// Future returns the predictions after the last historical date
func (r *Result) Future() []Prediction {
	return r.Predictions[r.HistoryDays:]
}

// Forecast fits the configured engine to series and predicts every
// historical date plus horizonDays future days. Registered regressors keep
// their last observed value over the future.
func (f *Forecaster) Forecast(series *prep.PreparedSeries, horizonDays int) (*Result, error) {
	if !f.Eligible(series.Len()) {
		return nil, &InsufficientDataError{Rows: series.Len(), MinRows: f.cfg.MinRows}
	}
	if err := f.ValidateHorizon(horizonDays); err != nil {
		return nil, err
	}

	engine, err := f.newEngine(f.cfg.Engine, f.cfg.Model)
	if err != nil {
		return nil, err
	}
	for _, name := range series.Features {
		if err := engine.AddRegressor(name); err != nil {
			return nil, &ModelFitError{Engine: engine.Name(), Err: err}
		}
	}

	history := historyFrame(series)
	started := time.Now()
	if err := engine.Fit(history); err != nil {
		return nil, &ModelFitError{Engine: engine.Name(), Err: err}
	}
	fitDuration := time.Since(started)

	future := MakeFutureFrame(history, horizonDays)
	historyDays := future.Len() - horizonDays
	persisted := fillFutureRegressors(series, &future, historyDays)

	predictions, err := engine.Predict(future)
	if err != nil {
		return nil, &ModelFitError{Engine: engine.Name(), Err: err}
	}

	f.logger.WithFields(logrus.Fields{
		"store_id":     series.StoreID,
		"product_id":   series.ProductID,
		"engine":       engine.Name(),
		"rows":         series.Len(),
		"horizon":      horizonDays,
		"regressors":   len(series.Features),
		"fit_duration": fitDuration,
	}).Debug("Forecast generated")

	return &Result{
		StoreID:     series.StoreID,
		ProductID:   series.ProductID,
		Engine:      engine.Name(),
		Horizon:     horizonDays,
		HistoryDays: historyDays,
		Regressors:  persisted,
		Predictions: predictions,
		FitDuration: fitDuration,
		GeneratedAt: time.Now(),
	}, nil
}

func historyFrame(series *prep.PreparedSeries) Frame {
	n := series.Len()
	frame := Frame{
		DS:         make([]time.Time, n),
		Y:          make([]float64, n),
		Regressors: make(map[string][]float64, len(series.Features)),
	}
	for j, name := range series.Features {
		col := make([]float64, n)
		for i, p := range series.Points {
			col[i] = p.Features[j]
		}
		frame.Regressors[name] = col
	}
	for i, p := range series.Points {
		frame.DS[i] = p.Date
		frame.Y[i] = p.SaleAmount
	}
	return frame
}

// fillFutureRegressors sets regressor columns on future. Historical dates
// take the observed value of the last row on that date; later dates hold the
// value of the final historical row. The held values are returned.
func fillFutureRegressors(series *prep.PreparedSeries, future *Frame, historyDays int) map[string]float64 {
	lastRowOn := make(map[int64]int, series.Len())
	for i, p := range series.Points {
		lastRowOn[p.Date.Unix()] = i
	}
	final := series.Points[series.Len()-1]

	persisted := make(map[string]float64, len(series.Features))
	for j, name := range series.Features {
		col := make([]float64, future.Len())
		for i, ds := range future.DS {
			if i < historyDays {
				col[i] = series.Points[lastRowOn[ds.Unix()]].Features[j]
				continue
			}
			col[i] = final.Features[j]
		}
		future.Regressors[name] = col
		persisted[name] = final.Features[j]
	}
	return persisted
}
