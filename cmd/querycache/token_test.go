package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourbot/querycache/pkg/api"
)

func TestIssueToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := defaultConfig(t)
	cfg.API.AuthSecret = "s3cret"

	var out bytes.Buffer
	require.NoError(t, issueToken(cfg, []string{"-ttl", "5m", "ops"}, &out))
	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	router := gin.New()
	router.Use(api.BearerAuth(cfg.API.AuthSecret))
	router.POST("/sweep", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("subject")) })

	req := httptest.NewRequest(http.MethodPost, "/sweep", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", rec.Body.String())
}

func TestIssueToken_Errors(t *testing.T) {
	cfg := defaultConfig(t)
	var out bytes.Buffer

	assert.Error(t, issueToken(cfg, []string{"ops"}, &out), "no secret configured")

	cfg.API.AuthSecret = "s3cret"
	assert.Error(t, issueToken(cfg, nil, &out))
	assert.Error(t, issueToken(cfg, []string{"a", "b"}, &out))
	assert.Error(t, issueToken(cfg, []string{"-ttl", "-1m", "ops"}, &out))
	assert.Error(t, issueToken(cfg, []string{"-ttl", "soon", "ops"}, &out))
}
