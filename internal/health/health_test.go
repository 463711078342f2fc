package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthChecker(t *testing.T) {
	t.Run("依赖正常时就绪", func(t *testing.T) {
		hc := NewHealthChecker(zap.NewNop())
		hc.AddReadiness("store", PingerFunc(func(context.Context) error { return nil }))

		rec := httptest.NewRecorder()
		hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("依赖故障时不就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(zap.NewNop())
		hc.AddReadiness("store", PingerFunc(func(context.Context) error { return errors.New("down") }))

		rec := httptest.NewRecorder()
		hc.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
