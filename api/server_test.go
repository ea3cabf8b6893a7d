package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"retail-sales-forecaster/dashboard"
	"retail-sales-forecaster/dataset"
	"retail-sales-forecaster/forecast"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLoader struct {
	data *dataset.Dataset
	err  error
}

func (l fixedLoader) Load(context.Context) (*dataset.Dataset, error) {
	return l.data, l.err
}

// trainCSV has 20 days for store 1 / product 5 and 4 days for store 2 / product 8
func trainCSV() string {
	var b strings.Builder
	b.WriteString("store_id,product_id,dt,sale_amount,discount,precpt\n")
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "1,5,2024-03-%02d,%d,0.%d,%d\n", i+1, 100+2*i, i%5, i%3)
	}
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&b, "2,8,2024-03-%02d,%d,0.1,0\n", i+1, 10+i)
	}
	b.WriteString("3,5,not-a-date,1,0,0\n")
	return b.String()
}

func newTestServer(t *testing.T, loader dashboard.Loader, opts ...Option) (*Server, *Metrics) {
	t.Helper()
	f, err := forecast.NewForecaster(forecast.DefaultConfig())
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	service := dashboard.NewService(loader, f, dashboard.DefaultConfig(), logger)

	metrics := NewMetrics("test")
	opts = append([]Option{WithLogger(logger), WithMetrics(metrics)}, opts...)
	return NewServer(service, opts...), metrics
}

func defaultLoader(t *testing.T) dashboard.Loader {
	t.Helper()
	train, err := dataset.ReadCSV(strings.NewReader(trainCSV()))
	require.NoError(t, err)
	return fixedLoader{data: &dataset.Dataset{Train: train, Eval: &dataset.Table{}}}
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestServer_StoresAndProducts(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/stores")
	require.Equal(t, http.StatusOK, rec.Code)
	var stores IdentifierListResponse
	decode(t, rec, &stores)
	assert.Equal(t, []string{"1", "2", "3"}, stores.IDs)

	rec = get(t, server, "/api/v1/products")
	var products IdentifierListResponse
	decode(t, rec, &products)
	assert.Equal(t, []string{"5", "8"}, products.IDs)
	assert.Equal(t, 2, products.Count)
}

func TestServer_Options(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/options")
	require.Equal(t, http.StatusOK, rec.Code)
	var opts dashboard.Options
	decode(t, rec, &opts)
	assert.Equal(t, 7, opts.HorizonMin)
	assert.Equal(t, 60, opts.HorizonMax)
	assert.Equal(t, 30, opts.HorizonDefault)
}

func TestServer_History(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/history?store=1&product=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var history HistoryResponse
	decode(t, rec, &history)
	assert.Equal(t, 10, history.Count)
	assert.Equal(t, 20, history.Total)
	assert.Equal(t, []string{"discount", "precpt"}, history.Features)
	assert.Equal(t, "2024-03-01", history.Rows[0].Date)
	assert.Equal(t, 100.0, history.Rows[0].SaleAmount)
	assert.Equal(t, 0.1, history.Rows[1].Features["discount"])

	rec = get(t, server, "/api/v1/history?store=1&product=5&limit=0")
	decode(t, rec, &history)
	assert.Equal(t, 20, history.Count)

	rec = get(t, server, "/api/v1/history?store=9&product=9")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &history)
	assert.Equal(t, 0, history.Total)
	assert.Empty(t, history.Rows)
}

func TestServer_BadRequests(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	for _, target := range []string{
		"/api/v1/history?product=5",
		"/api/v1/history?store=1",
		"/api/v1/history?store=1&product=5&limit=-2",
		"/api/v1/forecast?store=1&product=5&horizon=abc",
		"/api/v1/forecast?store=1&product=5&horizon=0",
		"/api/v1/forecast?store=1&product=5&horizon=61",
		"/api/v1/forecast?store=1&product=5&tail=x",
		"/api/v1/forecast/export?store=1",
	} {
		rec := get(t, server, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		var body ErrorResponse
		decode(t, rec, &body)
		assert.NotEmpty(t, body.Error)
	}
}

func TestServer_Forecast(t *testing.T) {
	server, metrics := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/forecast?store=1&product=5&horizon=7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ForecastResponse
	decode(t, rec, &resp)
	assert.Empty(t, resp.Warning)
	assert.True(t, resp.Exportable)
	assert.Equal(t, "prophet", resp.Engine)
	assert.Equal(t, 27, resp.Total)
	assert.Equal(t, 20, resp.HistoryDays)
	require.Len(t, resp.Predictions, 10)
	assert.Equal(t, "2024-03-27", resp.Predictions[9].DS)
	assert.Contains(t, resp.Regressors, "discount")
	assert.Contains(t, resp.Regressors, "precpt")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineOutcomes.WithLabelValues(OutcomeForecast)))
}

func TestServer_ForecastInsufficientData(t *testing.T) {
	server, metrics := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/forecast?store=2&product=8")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ForecastResponse
	decode(t, rec, &resp)
	assert.Equal(t, dashboard.InsufficientDataWarning, resp.Warning)
	assert.False(t, resp.Exportable)
	assert.Empty(t, resp.Predictions)
	assert.Equal(t, 30, resp.Horizon)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineOutcomes.WithLabelValues(OutcomeInsufficient)))

	rec = get(t, server, "/api/v1/forecast/export?store=2&product=8")
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body ErrorResponse
	decode(t, rec, &body)
	assert.Equal(t, dashboard.InsufficientDataWarning, body.Error)
}

func TestServer_DataError(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/forecast?store=3&product=5")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_DatasetUnavailable(t *testing.T) {
	server, _ := newTestServer(t, fixedLoader{err: errors.New("connection refused")})

	rec := get(t, server, "/api/v1/stores")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, server, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_loaded")
}

func TestServer_Export(t *testing.T) {
	server, metrics := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/api/v1/forecast/export?store=1&product=5&horizon=7")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="forecast_store1_product5.csv"`, rec.Header().Get("Content-Disposition"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 28)
	assert.Equal(t, "ds,yhat,yhat_lower,yhat_upper", lines[0])

	// the fit behind the download is measured like a forecast request
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineOutcomes.WithLabelValues(OutcomeForecast)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.FitDuration))
}

func TestServer_RequestIDAndCORS(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	rec := get(t, server, "/health", RequestIDHeader, "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = get(t, server, "/health")
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/forecast", nil)
	pre := httptest.NewRecorder()
	server.ServeHTTP(pre, req)
	assert.Equal(t, http.StatusOK, pre.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t))

	get(t, server, "/api/v1/stores")
	rec := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",route="/api/v1/stores",status="200"} 1`)
}

func TestServer_Auth(t *testing.T) {
	server, _ := newTestServer(t, defaultLoader(t), WithAuth("s3cret", "retailcast"))

	rec := get(t, server, "/api/v1/stores")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, server, "/api/v1/stores", "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrong, err := IssueToken("other", "retailcast", "analyst", time.Hour)
	require.NoError(t, err)
	rec = get(t, server, "/api/v1/stores", "Authorization", "Bearer "+wrong)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken("s3cret", "retailcast", "analyst", -time.Minute)
	require.NoError(t, err)
	rec = get(t, server, "/api/v1/stores", "Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := IssueToken("s3cret", "retailcast", "analyst", time.Hour)
	require.NoError(t, err)
	rec = get(t, server, "/api/v1/stores", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays public
	rec = get(t, server, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RateLimit(t *testing.T) {
	server, metrics := newTestServer(t, defaultLoader(t), WithRateLimit(0.001, 2))

	assert.Equal(t, http.StatusOK, get(t, server, "/health").Code)
	assert.Equal(t, http.StatusOK, get(t, server, "/health").Code)
	rec := get(t, server, "/health")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimited))
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.True(t, limiter.Allow("10.0.0.2"))
	assert.Equal(t, 2, limiter.Clients())

	now = now.Add(limiterIdleTTL / 2)
	assert.True(t, limiter.Allow("10.0.0.2"))

	now = now.Add(limiterIdleTTL/2 + time.Second)
	assert.True(t, limiter.Allow("10.0.0.3"))
	assert.Equal(t, 2, limiter.Clients())

	// an evicted client starts over with a full bucket
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
}

func TestAuthenticator_Subject(t *testing.T) {
	auth := NewAuthenticator("k", "")
	token, err := IssueToken("k", "anyone", "planner", time.Hour)
	require.NoError(t, err)

	subject, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "planner", subject)

	_, err = IssueToken("", "x", "y", time.Hour)
	assert.Error(t, err)
}
