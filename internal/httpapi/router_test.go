package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/outpost/internal/core"
)

type statusMock struct {
	mock.Mock
}

func (m *statusMock) Status(ctx context.Context) (*core.Status, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(*core.Status)
	return st, args.Error(1)
}

func serve(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := serve(t, NewRouter(new(statusMock)), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := new(statusMock)
	src.On("Status", mock.Anything).Return(&core.Status{UserID: "alice", Online: true, Messages: 3}, nil).Once()

	rec := serve(t, NewRouter(src), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got core.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "alice", got.UserID)
	assert.True(t, got.Online)
	assert.Equal(t, int64(3), got.Messages)
	src.AssertExpectations(t)
}

func TestStatusError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := new(statusMock)
	src.On("Status", mock.Anything).Return(nil, errors.New("db closed")).Once()

	rec := serve(t, NewRouter(src), "/v1/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "db closed")
}

func TestMetricsExposesCollectors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(new(statusMock))
	serve(t, r, "/healthz")

	rec := serve(t, r, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "outpost_queue_depth"))
	assert.True(t, strings.Contains(body, `outpost_http_requests_total{method="GET",route="/healthz",status="200"}`))
}
