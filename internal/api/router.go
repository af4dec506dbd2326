// Package api assembles the gin router for the proxy's HTTP surface.
package api

import (
	"github.com/gin-gonic/gin"

	agauth "github.com/router-for-me/antigravity-openai-proxy/internal/auth/antigravity"
	"github.com/router-for-me/antigravity-openai-proxy/internal/api/handlers/openai"
	"github.com/router-for-me/antigravity-openai-proxy/internal/config"
	"github.com/router-for-me/antigravity-openai-proxy/internal/logging"
	"github.com/router-for-me/antigravity-openai-proxy/internal/upstream"
)

// NewRouter builds the gin engine with all routes registered.
func NewRouter(cfg *config.Config, tokens *agauth.TokenCache, client *upstream.Client) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	handler := openai.NewHandler(cfg, tokens, client)

	engine.GET("/", handler.Health)
	engine.GET("/metrics", handler.Metrics)
	engine.GET("/models", handler.Models)
	engine.GET("/v1/models", handler.Models)
	engine.POST("/chat/completions", handler.ChatCompletions)
	engine.POST("/v1/chat/completions", handler.ChatCompletions)

	return engine
}
