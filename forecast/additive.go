package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	weeklyPeriod = 7.0
	yearlyPeriod = 365.25
	weeklyOrder  = 3
	yearlyOrder  = 10

	// minimum history span in days before a seasonality is fitted
	weeklyMinSpan = 14
	yearlyMinSpan = 730

	// future interval width grows with sqrt(1 + h/uncertaintyDays)
	uncertaintyDays = 7.0

	unpenalized = 1e-9
)

// components selects the terms of an additive model
type components struct {
	changepoints bool
	seasonality  bool
}

// additiveModel is y = trend(t) + seasonality(t) + sum(beta_r * x_r), fitted
// as a penalized least-squares problem. The prophet and linear engines differ
// only in which components are enabled.
type additiveModel struct {
	name  string
	cfg   EngineConfig
	parts components

	regressors []string
	fitted     bool

	// scaling learned at fit time
	start   time.Time
	span    float64 // days
	yScale  float64
	regMean []float64
	regStd  []float64

	changepoints []float64 // normalized t
	weekly       int
	yearly       int

	beta     []float64
	sigma    float64
	lastDate time.Time
	z        float64
}

// NewProphetEngine returns a Prophet-style engine: piecewise linear trend,
// weekly and yearly Fourier seasonality and standardized regressors.
func NewProphetEngine(cfg EngineConfig) Engine {
	return &additiveModel{name: EngineProphet, cfg: cfg, parts: components{changepoints: true, seasonality: true}}
}

// NewLinearEngine returns a linear trend over time plus regressors. Intercept
// and slope are fit by least squares; regressor coefficients keep the ridge
// penalty of their prior scale so collinear or constant columns stay solvable.
func NewLinearEngine(cfg EngineConfig) Engine {
	return &additiveModel{name: EngineLinear, cfg: cfg}
}

func (m *additiveModel) Name() string { return m.name }

func (m *additiveModel) AddRegressor(name string) error {
	if m.fitted {
		return errors.New("regressors must be added before fitting")
	}
	for _, r := range m.regressors {
		if r == name {
			return fmt.Errorf("regressor %s already registered", name)
		}
	}
	m.regressors = append(m.regressors, name)
	return nil
}

func (m *additiveModel) Fit(history Frame) error {
	n := history.Len()
	if n == 0 {
		return errors.New("dataframe has no rows")
	}
	if len(history.Y) != n {
		return fmt.Errorf("y has %d values for %d dates", len(history.Y), n)
	}
	for i, y := range history.Y {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return fmt.Errorf("y contains non-finite value at row %d", i)
		}
	}
	regs, err := m.regressorColumns(history)
	if err != nil {
		return err
	}

	dates := uniqueDates(history.DS)
	if len(dates) < 2 {
		return errors.New("dataframe has less than 2 distinct dates")
	}
	m.start = dates[0]
	m.lastDate = dates[len(dates)-1]
	m.span = m.lastDate.Sub(m.start).Hours() / 24

	m.yScale = math.Max(math.Abs(floats.Max(history.Y)), math.Abs(floats.Min(history.Y)))
	if m.yScale == 0 {
		m.yScale = 1
	}

	m.regMean = make([]float64, len(regs))
	m.regStd = make([]float64, len(regs))
	for i, col := range regs {
		mean, std := stat.MeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		m.regMean[i], m.regStd[i] = mean, std
	}

	m.placeChangepoints(dates)
	m.weekly, m.yearly = 0, 0
	if m.parts.seasonality {
		if m.span >= weeklyMinSpan {
			m.weekly = weeklyOrder
		}
		if m.span >= yearlyMinSpan {
			m.yearly = yearlyOrder
		}
	}

	p := m.width()
	design := mat.NewDense(n, p, nil)
	for i, ds := range history.DS {
		design.SetRow(i, m.row(ds, regs, i))
	}
	target := make([]float64, n)
	for i, y := range history.Y {
		target[i] = y / m.yScale
	}
	yVec := mat.NewVecDense(n, target)

	beta, err := solvePenalized(design, yVec, m.penalties())
	if err != nil {
		return err
	}
	m.beta = beta

	var fitted mat.VecDense
	fitted.MulVec(design, mat.NewVecDense(p, beta))
	residuals := make([]float64, n)
	for i := range residuals {
		residuals[i] = (target[i] - fitted.AtVec(i)) * m.yScale
	}
	m.sigma = 0
	if n > 1 {
		m.sigma = stat.StdDev(residuals, nil)
	}
	if math.IsNaN(m.sigma) || math.IsInf(m.sigma, 0) {
		return errors.New("residual variance is not finite")
	}

	m.z = distuv.UnitNormal.Quantile(0.5 + m.cfg.IntervalWidth/2)
	m.fitted = true
	return nil
}

func (m *additiveModel) Predict(future Frame) ([]Prediction, error) {
	if !m.fitted {
		return nil, errors.New("model not fitted")
	}
	regs, err := m.regressorColumns(future)
	if err != nil {
		return nil, err
	}

	beta := mat.NewVecDense(len(m.beta), m.beta)
	out := make([]Prediction, future.Len())
	for i, ds := range future.DS {
		yhat := mat.Dot(mat.NewVecDense(len(m.beta), m.row(ds, regs, i)), beta) * m.yScale

		width := m.z * m.sigma
		if ds.After(m.lastDate) {
			h := ds.Sub(m.lastDate).Hours() / 24
			width *= math.Sqrt(1 + h/uncertaintyDays)
		}
		out[i] = Prediction{DS: ds, YHat: yhat, YHatLower: yhat - width, YHatUpper: yhat + width}
	}
	return out, nil
}

// regressorColumns returns the registered regressor columns of f in
// registration order.
func (m *additiveModel) regressorColumns(f Frame) ([][]float64, error) {
	cols := make([][]float64, len(m.regressors))
	for i, name := range m.regressors {
		col, ok := f.Regressors[name]
		if !ok {
			return nil, fmt.Errorf("regressor %s missing from dataframe", name)
		}
		if len(col) != f.Len() {
			return nil, fmt.Errorf("regressor %s has %d values for %d dates", name, len(col), f.Len())
		}
		for j, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("regressor %s contains non-finite value at row %d", name, j)
			}
		}
		cols[i] = col
	}
	return cols, nil
}

// placeChangepoints spreads candidate trend changes evenly over the first
// ChangepointRange share of the history.
func (m *additiveModel) placeChangepoints(dates []time.Time) {
	m.changepoints = nil
	if !m.parts.changepoints || m.cfg.Changepoints == 0 {
		return
	}
	histSize := int(math.Floor(float64(len(dates)) * m.cfg.ChangepointRange))
	count := m.cfg.Changepoints
	if count+1 > histSize {
		count = histSize - 1
	}
	if count <= 0 {
		return
	}
	for k := 1; k <= count; k++ {
		idx := int(math.Round(float64(k) * float64(histSize-1) / float64(count)))
		m.changepoints = append(m.changepoints, m.normalize(dates[idx]))
	}
}

func (m *additiveModel) normalize(ds time.Time) float64 {
	if m.span == 0 {
		return 0
	}
	return ds.Sub(m.start).Hours() / 24 / m.span
}

func (m *additiveModel) width() int {
	return 2 + len(m.changepoints) + 2*m.weekly + 2*m.yearly + len(m.regressors)
}

// row builds the design row for date ds; i indexes the regressor columns
func (m *additiveModel) row(ds time.Time, regs [][]float64, i int) []float64 {
	t := m.normalize(ds)
	row := make([]float64, 0, m.width())
	row = append(row, 1, t)
	for _, cp := range m.changepoints {
		row = append(row, math.Max(0, t-cp))
	}

	days := float64(ds.Unix()) / 86400
	row = appendFourier(row, days, weeklyPeriod, m.weekly)
	row = appendFourier(row, days, yearlyPeriod, m.yearly)

	for r, col := range regs {
		row = append(row, (col[i]-m.regMean[r])/m.regStd[r])
	}
	return row
}

func appendFourier(row []float64, days, period float64, order int) []float64 {
	for k := 1; k <= order; k++ {
		phase := 2 * math.Pi * float64(k) * days / period
		row = append(row, math.Sin(phase), math.Cos(phase))
	}
	return row
}

// penalties returns the ridge weight for each design column. Gaussian priors
// with scale s become a penalty of 1/s^2.
func (m *additiveModel) penalties() []float64 {
	pen := make([]float64, 0, m.width())
	pen = append(pen, unpenalized, unpenalized)
	for range m.changepoints {
		pen = append(pen, 1/(m.cfg.ChangepointPriorScale*m.cfg.ChangepointPriorScale))
	}
	for k := 0; k < 2*(m.weekly+m.yearly); k++ {
		pen = append(pen, 1/(m.cfg.SeasonalityPriorScale*m.cfg.SeasonalityPriorScale))
	}
	for range m.regressors {
		pen = append(pen, 1/(m.cfg.RegressorPriorScale*m.cfg.RegressorPriorScale))
	}
	return pen
}

// solvePenalized solves (X'X + diag(pen)) beta = X'y by Cholesky
func solvePenalized(x *mat.Dense, y *mat.VecDense, pen []float64) ([]float64, error) {
	_, p := x.Dims()

	var gram mat.SymDense
	gram.SymOuterK(1, x.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+pen[j])
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, errors.New("design matrix is singular")
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	beta := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(beta, &xty); err != nil {
		return nil, fmt.Errorf("solve normal equations: %w", err)
	}

	out := make([]float64, p)
	for j := range out {
		out[j] = beta.AtVec(j)
		if math.IsNaN(out[j]) || math.IsInf(out[j], 0) {
			return nil, errors.New("coefficients are not finite")
		}
	}
	return out, nil
}
