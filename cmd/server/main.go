// Package main starts the Antigravity OpenAI proxy: an OpenAI-compatible
// Chat Completions surface forwarded to the Google Antigravity upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/antigravity-openai-proxy/internal/api"
	agauth "github.com/router-for-me/antigravity-openai-proxy/internal/auth/antigravity"
	"github.com/router-for-me/antigravity-openai-proxy/internal/config"
	"github.com/router-for-me/antigravity-openai-proxy/internal/logging"
	"github.com/router-for-me/antigravity-openai-proxy/internal/upstream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		log.Fatalf("load config: %v", errLoad)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFile)

	tokens := agauth.NewTokenCache(cfg.ClientID, cfg.ClientSecret)
	client := upstream.NewClient(tokens)
	engine := api.NewRouter(cfg, tokens, client)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Infof("antigravity-openai-proxy listening on %s", srv.Addr)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Fatalf("server error: %v", errServe)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if errShutdown := srv.Shutdown(ctx); errShutdown != nil {
		log.Errorf("shutdown: %v", errShutdown)
	}
}
