// Package dashboard runs the per-selection pipeline behind every view:
// filter, prepare, threshold check, fit, predict and optionally score against
// the eval split.
package dashboard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"retail-sales-forecaster/dataset"
	"retail-sales-forecaster/forecast"
	"retail-sales-forecaster/prep"

	"github.com/sirupsen/logrus"
)

// InsufficientDataWarning is shown instead of a forecast for short series
const InsufficientDataWarning = "Not enough data for this store/product. Try another selection."

// ErrNothingToExport is returned when a selection has no forecast to download
var ErrNothingToExport = errors.New(InsufficientDataWarning)

// Loader supplies the raw dataset
type Loader interface {
	Load(ctx context.Context) (*dataset.Dataset, error)
}

// Config holds the pipeline settings
type Config struct {
	Prep           prep.Options
	DefaultHorizon int
	// Evaluate scores forecasts against the eval split when it covers the
	// selection.
	Evaluate bool
}

// DefaultConfig returns a 30 day default horizon with evaluation enabled
func DefaultConfig() Config {
	return Config{DefaultHorizon: 30, Evaluate: true}
}

// Selection identifies one store/product pair and the requested horizon.
// A zero Horizon means the configured default.
type Selection struct {
	StoreID   string
	ProductID string
	Horizon   int
}

// Options lists what a client may select
type Options struct {
	Stores         []string `json:"stores"`
	Products       []string `json:"products"`
	HorizonMin     int      `json:"horizon_min"`
	HorizonMax     int      `json:"horizon_max"`
	HorizonDefault int      `json:"horizon_default"`
}

// Report is the outcome of one pipeline run
type Report struct {
	StoreID    string               `json:"store_id"`
	ProductID  string               `json:"product_id"`
	Horizon    int                  `json:"horizon"`
	Rows       int                  `json:"rows"`
	Series     *prep.PreparedSeries `json:"-"`
	Forecast   *forecast.Result     `json:"forecast,omitempty"`
	Warning    string               `json:"warning,omitempty"`
	Evaluation *forecast.Evaluation `json:"evaluation,omitempty"`
	Exportable bool                 `json:"exportable"`
}

// Service owns the loaded dataset and runs selections against it
type Service struct {
	loader     Loader
	forecaster *forecast.Forecaster
	cfg        Config
	logger     logrus.FieldLogger

	mu   sync.Mutex
	data *dataset.Dataset
}

// NewService creates a service. The dataset is loaded on first use.
func NewService(loader Loader, forecaster *forecast.Forecaster, cfg Config, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.DefaultHorizon == 0 {
		cfg.DefaultHorizon = DefaultConfig().DefaultHorizon
	}
	return &Service{
		loader:     loader,
		forecaster: forecaster,
		cfg:        cfg,
		logger:     logger,
	}
}

// Load returns the dataset, loading it on the first call. A failed load is
// retried on the next call.
func (s *Service) Load(ctx context.Context) (*dataset.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil {
		return s.data, nil
	}
	data, err := s.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.data = data
	return data, nil
}

// Loaded reports whether the dataset is in memory
func (s *Service) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data != nil
}

// Options returns the selectable stores, products and horizon bounds
func (s *Service) Options(ctx context.Context) (*Options, error) {
	data, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	fc := s.forecaster.Config()
	return &Options{
		Stores:         data.Train.StoreIDs(),
		Products:       data.Train.ProductIDs(),
		HorizonMin:     fc.HorizonMin,
		HorizonMax:     fc.HorizonMax,
		HorizonDefault: s.cfg.DefaultHorizon,
	}, nil
}

// History returns the prepared training series for a selection
func (s *Service) History(ctx context.Context, sel Selection) (*prep.PreparedSeries, error) {
	data, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return prep.Prepare(data.Train, sel.StoreID, sel.ProductID, s.cfg.Prep)
}

// Run executes the full pipeline for sel. Too little history is reported
// through Report.Warning rather than an error.
func (s *Service) Run(ctx context.Context, sel Selection) (*Report, error) {
	if sel.Horizon == 0 {
		sel.Horizon = s.cfg.DefaultHorizon
	}
	if err := s.forecaster.ValidateHorizon(sel.Horizon); err != nil {
		return nil, err
	}

	series, err := s.History(ctx, sel)
	if err != nil {
		return nil, err
	}
	report := &Report{
		StoreID:   sel.StoreID,
		ProductID: sel.ProductID,
		Horizon:   sel.Horizon,
		Rows:      series.Len(),
		Series:    series,
	}

	log := s.logger.WithFields(logrus.Fields{
		"store_id":   sel.StoreID,
		"product_id": sel.ProductID,
		"rows":       series.Len(),
	})
	if !s.forecaster.Eligible(series.Len()) {
		log.Info("Selection below forecast threshold")
		report.Warning = InsufficientDataWarning
		return report, nil
	}

	result, err := s.forecaster.Forecast(series, sel.Horizon)
	if err != nil {
		log.WithError(err).Warn("Forecast failed")
		return nil, err
	}
	report.Forecast = result
	report.Exportable = true

	if s.cfg.Evaluate {
		report.Evaluation = s.evaluate(result, sel, log)
	}

	log.WithFields(logrus.Fields{
		"horizon":     sel.Horizon,
		"predictions": len(result.Predictions),
	}).Info("Forecast completed")
	return report, nil
}

// evaluate scores result against the eval split. Eval problems never fail
// the request.
func (s *Service) evaluate(result *forecast.Result, sel Selection, log logrus.FieldLogger) *forecast.Evaluation {
	s.mu.Lock()
	eval := s.data.Eval
	s.mu.Unlock()

	if eval.Len() == 0 || !eval.HasColumn(dataset.ColumnDate) || !eval.HasColumn(dataset.ColumnSaleAmount) {
		return nil
	}
	actual, err := prep.Prepare(eval, sel.StoreID, sel.ProductID, s.cfg.Prep)
	if err != nil {
		log.WithError(err).Warn("Skipping evaluation")
		return nil
	}
	return forecast.Evaluate(result, actual)
}

// Download is a rendered forecast export together with the run that produced it
type Download struct {
	Report   *Report
	FileName string
	Body     []byte
}

// Export runs the pipeline and renders the forecast as a CSV download
func (s *Service) Export(ctx context.Context, sel Selection) (*Download, error) {
	report, err := s.Run(ctx, sel)
	if err != nil {
		return nil, err
	}
	if !report.Exportable {
		return nil, ErrNothingToExport
	}

	var buf bytes.Buffer
	if err := forecast.WriteCSV(&buf, report.Forecast); err != nil {
		return nil, fmt.Errorf("render export: %w", err)
	}
	return &Download{
		Report:   report,
		FileName: forecast.ExportFileName(sel.StoreID, sel.ProductID),
		Body:     buf.Bytes(),
	}, nil
}
