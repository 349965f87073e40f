package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallfetch/app/config"
	"wallfetch/app/logger"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{Port: "0", Username: "admin", Password: "pw"},
		JWT:      config.JWTConfig{Secret: "s3cret", ExpireTime: 1, Issuer: "wallfetch"},
		Download: config.DownloadConfig{MaxConcurrent: 2, ChunkSize: 1024, ProgressBuffer: 16, DefaultDir: filepath.Join(dir, "walls")},
		Cache: config.CacheConfig{
			Root:          filepath.Join(dir, "cache"),
			IndexTTL:      time.Minute,
			JanitorSpec:   "@every 1h",
			PartialMaxAge: time.Hour,
			Watch:         true,
		},
		Thumbnail: config.ThumbnailConfig{Width: 32, Height: 20, Quality: 80},
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig(t), logger.Nop())
	require.NoError(t, err)
	require.NoError(t, s.StartServices())
	defer s.Shutdown(context.Background())

	h := s.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "pw"})
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var login struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.Data.Token)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Authorization", "Bearer "+login.Data.Token)
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// EventSource 通过查询参数传令牌
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks?token="+login.Data.Token, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set("Authorization", "Token abc")
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Password = ""
	_, err := New(cfg, logger.Nop())
	assert.Error(t, err)
}
