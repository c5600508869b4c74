package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func router(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/v1/orders", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"orders": []string{}}) })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	router(HeadersMiddleware()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials string
	}{
		{"listed origin", []string{"https://wallet.example"}, "https://wallet.example", "https://wallet.example", "true"},
		{"unlisted origin", []string{"https://wallet.example"}, "https://evil.example", "", ""},
		{"wildcard drops credentials", []string{"*"}, "https://any.example", "https://any.example", ""},
		{"empty list allows all", nil, "https://any.example", "https://any.example", "true"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
			req.Header.Set("Origin", tc.origin)
			w := httptest.NewRecorder()
			router(CORSMiddleware(tc.allowed)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials"))
			if tc.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Replica-ID")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/orders", nil)
	req.Header.Set("Origin", "https://wallet.example")
	w := httptest.NewRecorder()
	router(CORSMiddleware([]string{"https://wallet.example"})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}
