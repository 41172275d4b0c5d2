package providers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsHandler(t *testing.T) {
	server := httptest.NewServer(metricsHandler())
	defer server.Close()

	res, err := http.Get(server.URL + "/metrics")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	_ = res.Body.Close()

	// Anything but GET /metrics is not found.
	res, err = http.Post(server.URL+"/metrics", "text/plain", nil)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()

	res, err = http.Get(server.URL + "/other")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	_ = res.Body.Close()
}
