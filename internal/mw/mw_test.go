package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://chat.example"}

	assert.True(t, OriginAllowed("", "api.example", allowed), "non-browser clients send no origin")
	assert.True(t, OriginAllowed("https://chat.example", "api.example", allowed))
	assert.True(t, OriginAllowed("http://api.example", "api.example", nil), "same host")
	assert.False(t, OriginAllowed("https://evil.example", "api.example", allowed))
	assert.False(t, OriginAllowed("https://api.example.evil", "api.example", nil))
	assert.True(t, OriginAllowed("https://anything", "api.example", []string{"*"}))
}

func TestCORS_Preflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("prod", []string{"https://chat.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://chat.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://chat.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit_KeysByUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(rate.Every(time.Hour), 1, time.Minute)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-User"); u == "1" {
			c.Set("userID", uint(1))
		} else if u == "2" {
			c.Set("userID", uint(2))
		}
		c.Next()
	})
	r.GET("/x", RateLimit(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, hit("1"))
	assert.Equal(t, http.StatusTooManyRequests, hit("1"))
	// 同一 IP 上的另一个用户有独立的令牌桶
	assert.Equal(t, http.StatusOK, hit("2"))
}
