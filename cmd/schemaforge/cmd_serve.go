package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/schemaforge/internal/bundle"
	"github.com/user/schemaforge/internal/contract"
	"github.com/user/schemaforge/internal/fetch"
	"github.com/user/schemaforge/internal/refresh"
	"github.com/user/schemaforge/internal/relay"
	"github.com/user/schemaforge/internal/server"
	"github.com/user/schemaforge/internal/state"
	"github.com/user/schemaforge/pkg/llm"
	"github.com/user/schemaforge/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the schemaforge daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "schemaforge.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	fetcher := fetch.NewClient(30 * time.Second)

	// Context resources
	ttl := time.Duration(cfg.Contract.TTLMinutes) * time.Minute
	docs := contract.NewDocumentCache(fetcher, cfg.Contract.URL, cfg.MirrorPath(), ttl)
	bundles := bundle.NewResolver(fetcher, cfg.Renderer.BundleURL, cfg.BundleDir())
	versions := contract.NewVersionResolver(fetcher, cfg.Renderer.RegistryURL, ttl, func(version string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := bundles.Ensure(ctx, version); err != nil {
			slog.Warn("bundle download failed", "version", version, "error", err)
		}
	})

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	composer, err := relay.NewComposer(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create composer: %w", err)
	}
	rl := relay.New(provider, docs, composer)

	projects := state.NewProjectStore(cfg.ProjectsPath())

	// Background refresh
	refresher := refresh.New(docs, versions, cfg.RefreshSchedule)
	if err := refresher.Start(); err != nil {
		return fmt.Errorf("start refresher: %w", err)
	}
	defer refresher.Stop()

	// HTTP server
	srv := server.NewServer(rl, projects, versions, bundles, cfg.BundleDir(), int64(cfg.MaxConcurrent))
	limiter := server.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: limiter.Wrap(server.LogRequests(srv)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		slog.Info("http server started", "listen", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("schemaforge started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"contract_url", cfg.Contract.URL,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("shutting down", "signal", sig)
	return nil
}
