// Command gateway is the nulpoint LLM gateway server.
//
// It reads configuration from environment variables (or a .env file) and
// starts a unified multi-provider proxy on the configured port, translating
// between OpenAI, Anthropic, and Gemini request/response shapes as needed.
//
// Configuration comes from config.yaml in the working directory, a .env
// file, and LLM_GATEWAY__-prefixed environment variables such as
// LLM_GATEWAY__SERVER__PORT=9090 (see internal/config).
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/llm-gateway/internal/app"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error if required vars are missing.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	// Initialise and run the application.
	a, err := app.New(ctx, cfg, log, version)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
