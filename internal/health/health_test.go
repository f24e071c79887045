package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthChecker(t *testing.T) {
	t.Run("依赖正常时就绪", func(t *testing.T) {
		hc := NewHealthChecker(nil)
		hc.AddReadiness("database", fakePinger{})

		rec := httptest.NewRecorder()
		hc.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("依赖失败时未就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(nil)
		hc.AddReadiness("database", fakePinger{err: errors.New("connection refused")})

		rec := httptest.NewRecorder()
		hc.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
