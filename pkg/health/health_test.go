package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func check(s Status) Check {
	return func(context.Context) ComponentHealth { return ComponentHealth{Status: s} }
}

func TestRunWorstStatusWins(t *testing.T) {
	c := NewChecker(0)
	c.Register("index", check(StatusUp))
	c.Register("redis", check(StatusDegraded))
	assert.Equal(t, StatusDegraded, c.Run(context.Background()).Status)

	c.Register("store", check(StatusDown))
	r := c.Run(context.Background())
	assert.Equal(t, StatusDown, r.Status)
	assert.Len(t, r.Components, 3)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker(0)
	c.Register("redis", check(StatusDegraded))
	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusDegraded, report.Status)

	c.Register("index", check(StatusDown))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
