package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/goatfield/internal/telemetry"
)

func TestHTTPMetrics_Middleware(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	m := NewHTTPMetrics(tel.Meter(httpInstrumentationName), zap.NewNop())

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/proposals/:id/approve", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "already decided")
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/health"},
		{http.MethodPost, "/api/v1/proposals/p-1/approve"},
		{http.MethodPost, "/api/v1/proposals/p-2/approve"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
	}

	total, ok := tel.Int64Sum(t, "goatfield.http.requests_total")
	require.True(t, ok)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, uint64(3), tel.HistogramCount(t, "goatfield.http.request_duration_seconds"))

	active, ok := tel.Int64Sum(t, "goatfield.http.active_requests")
	require.True(t, ok)
	assert.Zero(t, active)

	// Both approvals share the route template and the final 409 status.
	var approvals int64
	for _, sm := range tel.Collect(t).ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "goatfield.http.requests_total" {
				continue
			}
			for _, dp := range metric.Data.(metricdata.Sum[int64]).DataPoints {
				endpoint, _ := dp.Attributes.Value(attribute.Key("endpoint"))
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				if endpoint.AsString() == "/api/v1/proposals/:id/approve" {
					assert.Equal(t, int64(http.StatusConflict), status.AsInt64())
					approvals += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), approvals)
}

func TestHTTPMetrics_NilMeter(t *testing.T) {
	m := NewHTTPMetrics(nil, nil)
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, unmatchedRoute, routeLabel(""))
	assert.Equal(t, "/api/v1/observations/:seq", routeLabel("/api/v1/observations/:seq"))
}
