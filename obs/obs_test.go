package obs

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRouteLabel(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/api/jobs/12345":           "/api/jobs/:id",
		"/api/jobs/12345/cancel":    "/api/jobs/:id/cancel",
		"/api/wallet/transactions":  "/api/wallet/transactions",
		"/api/assets/9/versions/10": "/api/assets/:id/versions/:id",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeRouteLabel(in), in)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMetricsMiddlewareKeepsStatus(t *testing.T) {
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/1", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
