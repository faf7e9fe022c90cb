package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })
	return r
}

func do(r http.Handler, path string, auth func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != nil {
		auth(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBasicAuth(t *testing.T) {
	r := newRouter(BasicAuth("ops", "s3cret"))

	w := do(r, "/ok", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, realm, w.Header().Get("WWW-Authenticate"))

	w = do(r, "/ok", func(req *http.Request) { req.SetBasicAuth("ops", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid credentials")

	w = do(r, "/ok", func(req *http.Request) { req.SetBasicAuth("ops", "s3cret") })
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBasicAuth_DisabledWithoutCredentials(t *testing.T) {
	t.Setenv("AUTH_USERNAME", "")
	t.Setenv("AUTH_PASSWORD", "")
	r := newRouter(BasicAuthFromEnv())

	assert.Equal(t, http.StatusOK, do(r, "/ok", nil).Code)
}

func TestRecoveryAndLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	r := newRouter(RequestLogger(log), Recovery(log))

	w := do(r, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("http handler panic").Len())

	reqs := logs.FilterMessage("http request").All()
	require.Len(t, reqs, 1)
	assert.Equal(t, zapcore.ErrorLevel, reqs[0].Level)
	assert.Equal(t, int64(500), reqs[0].ContextMap()["status"])

	do(r, "/ok", nil)
	assert.Equal(t, 2, logs.FilterMessage("http request").Len())
}
