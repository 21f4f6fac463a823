package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycache/tavern/internal/constants"
	"github.com/relaycache/tavern/metrics"
)

func TestWithRequestMetricGeneratesRequestIDWhenAbsent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	enriched, metric := metrics.WithRequestMetric(req)
	assert.NotEmpty(t, metric.RequestID)
	assert.False(t, metric.StartAt.IsZero())

	got := metrics.FromContext(enriched.Context())
	assert.Same(t, metric, got)
}

func TestWithRequestMetricReusesIncomingRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(constants.ProtocolRequestIDKey, "upstream-id")

	_, metric := metrics.WithRequestMetric(req)
	assert.Equal(t, "upstream-id", metric.RequestID)
}

func TestFromContextWithoutMetricReturnsEmptyValue(t *testing.T) {
	got := metrics.FromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.Empty(t, got.RequestID)
}
