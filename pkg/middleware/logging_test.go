package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/seedworks/seed/internal/apperr"
	"github.com/seedworks/seed/pkg/logger"
)

func newEngine() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery(), Errors())
	return r
}

func TestRequestID(t *testing.T) {
	r := newEngine()
	r.GET("/id", func(c *gin.Context) {
		rid, _ := c.Get(requestIDKey)
		c.String(http.StatusOK, asString(rid))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/id", nil))
	require.NotEmpty(t, w.Header().Get(RequestIDHeader))
	require.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())

	req := httptest.NewRequest("GET", "/id", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, "abc-123", w.Body.String())
}

func TestLoggerWritesAccessLine(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(os.Stdout)

	r := newEngine()
	r.GET("/ping", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.Status(http.StatusOK)
	})
	req := httptest.NewRequest("GET", "/ping?x=1", nil)
	req.Header.Set(RequestIDHeader, "rid-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	require.Contains(t, out, `"request_id":"rid-1"`)
	require.Contains(t, out, `"message":"inside"`)
	require.Contains(t, out, `"status":200`)
	require.Contains(t, out, `"query":"x=1"`)
}

func TestErrorsRendersKinds(t *testing.T) {
	r := newEngine()
	r.GET("/bad", func(c *gin.Context) { _ = c.Error(apperr.BadRequest("name is required")) })
	r.GET("/missing", func(c *gin.Context) { _ = c.Error(apperr.NotExist("widget", 3)) })
	r.GET("/identity", func(c *gin.Context) { _ = c.Error(apperr.InvalidIdentity("x")) })
	r.GET("/plain", func(c *gin.Context) { _ = c.Error(errors.New("boom")) })

	cases := []struct {
		path   string
		status int
		body   string
	}{
		{"/bad", http.StatusBadRequest, `{"message":"name is required"}`},
		{"/missing", http.StatusNotFound, `{"message":"widget 3 not exist."}`},
		{"/identity", http.StatusBadRequest, `{"message":"ID must be integer."}`},
		{"/plain", http.StatusInternalServerError, `{"message":"boom"}`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", tc.path, nil))
		require.Equal(t, tc.status, w.Code, tc.path)
		require.JSONEq(t, tc.body, w.Body.String(), tc.path)
	}
}

func TestRecovery(t *testing.T) {
	r := newEngine()
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"message":"500 Internal Server Error."}`, w.Body.String())
}

func TestFallbacks(t *testing.T) {
	r := newEngine()
	r.HandleMethodNotAllowed = true
	r.NoRoute(NoRoute)
	r.NoMethod(NoMethod)
	r.GET("/only-get", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/nowhere", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"message":"404 Not Found."}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/only-get", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
