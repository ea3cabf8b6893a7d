package forecast

import (
	"errors"
	"math"
	"testing"
	"time"

	"retail-sales-forecaster/prep"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// makeSeries builds a daily series starting 2024-01-01
func makeSeries(values []float64, features map[string][]float64) *prep.PreparedSeries {
	s := &prep.PreparedSeries{StoreID: "1", ProductID: "A"}
	for name := range features {
		s.Features = append(s.Features, name)
	}
	for i, v := range values {
		p := prep.Point{Date: jan1.AddDate(0, 0, i), SaleAmount: v, Features: make([]float64, len(s.Features))}
		for j, name := range s.Features {
			p.Features[j] = features[name][i]
		}
		s.Points = append(s.Points, p)
	}
	return s
}

func linearValues(n int, intercept, slope float64) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = intercept + slope*float64(i)
	}
	return values
}

// recordingEngine captures the calls made by the Forecaster
type recordingEngine struct {
	calls   []string
	history Frame
	future  Frame
	fitErr  error
}

func (e *recordingEngine) Name() string { return "recording" }

func (e *recordingEngine) AddRegressor(name string) error {
	e.calls = append(e.calls, "add:"+name)
	return nil
}

func (e *recordingEngine) Fit(history Frame) error {
	e.calls = append(e.calls, "fit")
	e.history = history
	return e.fitErr
}

func (e *recordingEngine) Predict(future Frame) ([]Prediction, error) {
	e.calls = append(e.calls, "predict")
	e.future = future
	out := make([]Prediction, future.Len())
	for i, ds := range future.DS {
		out[i] = Prediction{DS: ds, YHat: 1, YHatLower: 0, YHatUpper: 2}
	}
	return out, nil
}

func newRecordingForecaster(t *testing.T, engine *recordingEngine) *Forecaster {
	t.Helper()
	f, err := NewForecaster(DefaultConfig(), WithEngineFactory(func(string, EngineConfig) (Engine, error) {
		return engine, nil
	}))
	require.NoError(t, err)
	return f
}

func TestForecaster_ThresholdIsStrict(t *testing.T) {
	engine := &recordingEngine{}
	f := newRecordingForecaster(t, engine)

	_, err := f.Forecast(makeSeries(linearValues(10, 1, 1), nil), 7)
	var insufficient *InsufficientDataError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 10, insufficient.Rows)
	assert.Empty(t, engine.calls, "engine must not be touched below the threshold")

	result, err := f.Forecast(makeSeries(linearValues(11, 1, 1), nil), 7)
	require.NoError(t, err)
	assert.Len(t, result.Predictions, 18)
}

func TestForecaster_FewRowsTakeWarningPath(t *testing.T) {
	f := newRecordingForecaster(t, &recordingEngine{})

	assert.False(t, f.Eligible(5))
	assert.False(t, f.Eligible(10))
	assert.True(t, f.Eligible(11))

	_, err := f.Forecast(makeSeries(linearValues(5, 1, 1), nil), 30)
	var insufficient *InsufficientDataError
	assert.True(t, errors.As(err, &insufficient))
}

func TestForecaster_HorizonBounds(t *testing.T) {
	f := newRecordingForecaster(t, &recordingEngine{})
	series := makeSeries(linearValues(20, 1, 1), nil)

	for _, h := range []int{0, 6, 61} {
		_, err := f.Forecast(series, h)
		assert.ErrorIs(t, err, ErrInvalidHorizon, "horizon %d", h)
	}
	for _, h := range []int{7, 60} {
		_, err := f.Forecast(series, h)
		assert.NoError(t, err, "horizon %d", h)
	}
}

func TestForecaster_RegistersRegressorsBeforeFit(t *testing.T) {
	engine := &recordingEngine{}
	f := newRecordingForecaster(t, engine)
	series := makeSeries(linearValues(12, 1, 1), map[string][]float64{
		"discount": linearValues(12, 0.1, 0.01),
	})

	_, err := f.Forecast(series, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"add:discount", "fit", "predict"}, engine.calls)
	assert.Equal(t, linearValues(12, 1, 1), engine.history.Y)
}

func TestForecaster_GapScenario(t *testing.T) {
	engine := &recordingEngine{}
	f := newRecordingForecaster(t, engine)

	discount := linearValues(15, 0.5, 0.01)
	temperature := linearValues(15, 20, -0.5)
	series := makeSeries(linearValues(15, 40, 1), map[string][]float64{
		"discount":        discount,
		"avg_temperature": temperature,
	})

	result, err := f.Forecast(series, 7)
	require.NoError(t, err)

	require.Len(t, result.Predictions, 22)
	assert.Equal(t, 15, result.HistoryDays)
	assert.Len(t, result.Future(), 7)
	assert.Equal(t, jan1.AddDate(0, 0, 21), result.Predictions[21].DS)

	for i := 15; i < 22; i++ {
		assert.Equal(t, discount[14], engine.future.Regressors["discount"][i])
		assert.Equal(t, temperature[14], engine.future.Regressors["avg_temperature"][i])
	}
	// historical rows keep their observed values
	assert.Equal(t, discount[3], engine.future.Regressors["discount"][3])
	assert.Equal(t, map[string]float64{"discount": discount[14], "avg_temperature": temperature[14]}, result.Regressors)
}

func TestForecaster_DuplicateDatesCollapseInFuture(t *testing.T) {
	engine := &recordingEngine{}
	f := newRecordingForecaster(t, engine)

	series := makeSeries(linearValues(12, 1, 1), map[string][]float64{"discount": linearValues(12, 0, 1)})
	// duplicate the last day with a different discount
	dup := series.Points[11]
	dup.Features = []float64{99}
	series.Points = append(series.Points, dup)

	result, err := f.Forecast(series, 7)
	require.NoError(t, err)

	assert.Len(t, engine.history.DS, 13)
	assert.Equal(t, 12, result.HistoryDays)
	assert.Len(t, result.Predictions, 19)
	assert.Equal(t, 99.0, engine.future.Regressors["discount"][11])
	assert.Equal(t, 99.0, result.Regressors["discount"])
}

func TestForecaster_FitFailureIsModelFitError(t *testing.T) {
	engine := &recordingEngine{fitErr: errors.New("degenerate series")}
	f := newRecordingForecaster(t, engine)

	_, err := f.Forecast(makeSeries(linearValues(12, 1, 1), nil), 7)
	var fitErr *ModelFitError
	require.True(t, errors.As(err, &fitErr))
	assert.Equal(t, "recording", fitErr.Engine)
	assert.Contains(t, err.Error(), "degenerate series")
	assert.NotContains(t, engine.calls, "predict")
}

func TestForecaster_NonFiniteValuesRejected(t *testing.T) {
	f, err := NewForecaster(DefaultConfig())
	require.NoError(t, err)

	values := linearValues(14, 1, 1)
	values[5] = math.Inf(1)
	_, err = f.Forecast(makeSeries(values, nil), 7)

	var fitErr *ModelFitError
	require.True(t, errors.As(err, &fitErr))
	assert.Equal(t, EngineProphet, fitErr.Engine)
}

func TestNewForecaster_RejectsUnknownEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = "neural"
	_, err := NewForecaster(cfg)
	assert.Error(t, err)
}

func TestProphetEngine_EndToEnd(t *testing.T) {
	f, err := NewForecaster(DefaultConfig())
	require.NoError(t, err)

	n := 60
	values := make([]float64, n)
	discount := make([]float64, n)
	for i := range values {
		discount[i] = float64(i%5) * 0.1
		noise := 1.5 * math.Sin(1.7*float64(i)*float64(i))
		values[i] = 50 + 0.3*float64(i) + 8*math.Sin(2*math.Pi*float64(i)/7) + 20*discount[i] + noise
	}
	series := makeSeries(values, map[string][]float64{"discount": discount})

	result, err := f.Forecast(series, 14)
	require.NoError(t, err)
	require.Len(t, result.Predictions, n+14)

	for i, p := range result.Predictions {
		assert.False(t, math.IsNaN(p.YHat), "row %d", i)
		assert.LessOrEqual(t, p.YHatLower, p.YHat)
		assert.GreaterOrEqual(t, p.YHatUpper, p.YHat)
	}
	// in-sample fit should track the generating process closely
	for i := 0; i < n; i++ {
		assert.InDelta(t, values[i], result.Predictions[i].YHat, 5, "row %d", i)
	}
	// intervals widen over the horizon
	first := result.Predictions[n]
	last := result.Predictions[n+13]
	assert.Greater(t, last.YHatUpper-last.YHatLower, first.YHatUpper-first.YHatLower)
}

func TestLinearEngine_ExtrapolatesTrend(t *testing.T) {
	engine := NewLinearEngine(DefaultEngineConfig())
	history := Frame{Regressors: map[string][]float64{}}
	for i := 0; i < 20; i++ {
		history.DS = append(history.DS, jan1.AddDate(0, 0, i))
		history.Y = append(history.Y, 2+3*float64(i))
	}
	require.NoError(t, engine.Fit(history))

	preds, err := engine.Predict(MakeFutureFrame(history, 5))
	require.NoError(t, err)
	require.Len(t, preds, 25)
	for i, p := range preds {
		assert.InDelta(t, 2+3*float64(i), p.YHat, 1e-3, "row %d", i)
	}
}

func TestLinearEngine_CollinearRegressorsStayStable(t *testing.T) {
	engine := NewLinearEngine(DefaultEngineConfig())
	for _, name := range []string{"discount", "precpt", "avg_humidity"} {
		require.NoError(t, engine.AddRegressor(name))
	}

	history := Frame{Regressors: map[string][]float64{}}
	for i := 0; i < 20; i++ {
		r := float64(i % 3)
		history.DS = append(history.DS, jan1.AddDate(0, 0, i))
		history.Y = append(history.Y, 2+3*float64(i)+4*r)
		history.Regressors["discount"] = append(history.Regressors["discount"], r)
		history.Regressors["precpt"] = append(history.Regressors["precpt"], 2*r)
		history.Regressors["avg_humidity"] = append(history.Regressors["avg_humidity"], 55)
	}
	require.NoError(t, engine.Fit(history))

	future := MakeFutureFrame(history, 3)
	for name, col := range history.Regressors {
		last := col[len(col)-1]
		future.Regressors[name] = append(append([]float64{}, col...), last, last, last)
	}
	preds, err := engine.Predict(future)
	require.NoError(t, err)
	require.Len(t, preds, 23)
	for i := 0; i < 20; i++ {
		assert.InDelta(t, history.Y[i], preds[i].YHat, 0.1, "row %d", i)
	}
	for _, p := range preds {
		assert.False(t, math.IsNaN(p.YHat) || math.IsInf(p.YHat, 0))
	}
}

func TestEngine_RejectsLateRegressorAndMissingColumn(t *testing.T) {
	engine := NewProphetEngine(DefaultEngineConfig())
	require.NoError(t, engine.AddRegressor("precpt"))
	assert.Error(t, engine.AddRegressor("precpt"))

	history := Frame{Regressors: map[string][]float64{}}
	for i := 0; i < 12; i++ {
		history.DS = append(history.DS, jan1.AddDate(0, 0, i))
		history.Y = append(history.Y, float64(i))
	}
	assert.Error(t, engine.Fit(history), "missing regressor column must fail")

	history.Regressors["precpt"] = make([]float64, 12)
	require.NoError(t, engine.Fit(history))
	assert.Error(t, engine.AddRegressor("discount"))
}

func TestEngine_SingleDateRejected(t *testing.T) {
	engine := NewProphetEngine(DefaultEngineConfig())
	history := Frame{
		DS: []time.Time{jan1, jan1, jan1},
		Y:  []float64{1, 2, 3},
	}
	assert.Error(t, engine.Fit(history))
}

func TestMakeFutureFrame(t *testing.T) {
	history := Frame{DS: []time.Time{jan1.AddDate(0, 0, 2), jan1, jan1.AddDate(0, 0, 2), jan1.AddDate(0, 0, 1)}}

	future := MakeFutureFrame(history, 3)
	require.Equal(t, 6, future.Len())
	for i, ds := range future.DS {
		assert.Equal(t, jan1.AddDate(0, 0, i), ds)
	}
}
