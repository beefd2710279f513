package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rvachov/mailgauge/internal/api"
	"github.com/rvachov/mailgauge/internal/config"
	"github.com/rvachov/mailgauge/internal/ingest"
	"github.com/rvachov/mailgauge/internal/ollama"
	"github.com/rvachov/mailgauge/internal/provider"
	"github.com/rvachov/mailgauge/internal/storage"
	"github.com/rvachov/mailgauge/internal/summarize"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mailgauge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running mailgauge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show mailgauge system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "mailgauge.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "mailgauge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start. Check the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("mailgauge is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("mailgauge is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	engine := ingest.NewEngine(store, cfg.Mail.StaffDomain)

	// Search provider is optional: without it, batches can still arrive on
	// the webhook from searches triggered elsewhere.
	var trigger api.SearchTrigger
	if cfg.Provider.BaseURL != "" && cfg.Provider.APIKey != "" {
		callbackURL := cfg.Provider.CallbackURL
		if callbackURL == "" {
			callbackURL = fmt.Sprintf("http://127.0.0.1:%d/webhook/results", cfg.Server.Port)
		}
		trigger = provider.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, callbackURL)
		slog.Info("search provider configured", "base_url", cfg.Provider.BaseURL)
	} else {
		slog.Warn("no search provider configured; POST /queries will store queries without triggering a search")
	}

	// Optional LLM summarization on top of the always-on local path.
	var llm summarize.ThreadSummarizer
	if cfg.Ollama.Enabled {
		ollamaClient := ollama.New(cfg.Ollama.BaseURL)
		if !ollamaClient.IsRunning(ctx) {
			slog.Warn("ollama not reachable, summaries will be local only", "base_url", cfg.Ollama.BaseURL)
		} else if !ollamaClient.HasModel(ctx, cfg.Ollama.Model) {
			slog.Warn("ollama model not available, summaries will be local only", "model", cfg.Ollama.Model)
		} else {
			llm = summarize.NewOllamaSummarizer(ollamaClient, cfg.Ollama.Model)
			slog.Info("ollama summarization enabled", "model", cfg.Ollama.Model)
		}
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:         store,
		Engine:        engine,
		Provider:      trigger,
		Token:         cfg.Server.Token,
		WebhookSecret: cfg.Provider.WebhookSecret,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start summarize worker.
	worker := summarize.NewWorker(store, llm, 500*time.Millisecond)
	go worker.Run(ctx)

	// Start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store: store,
		LLM:   llm,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "mailgauge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("mailgauge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop mailgauge (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to mailgauge (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Staff domain", "%s", cfg.Mail.StaffDomain)
	if cfg.Provider.BaseURL != "" {
		printStatus("Provider", "%s", cfg.Provider.BaseURL)
	} else {
		printStatus("Provider", "not configured")
	}

	if cfg.Ollama.Enabled {
		ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
		if err != nil {
			printStatus("Ollama", "not running")
		} else {
			ollamaResp.Body.Close()
			printStatus("Ollama", "running at %s (model %s)", cfg.Ollama.BaseURL, cfg.Ollama.Model)
		}
	} else {
		printStatus("Ollama", "disabled (local summaries only)")
	}

	// Show query count if the server is up.
	if resp != nil && resp.StatusCode == 200 {
		queriesResp, err := apiGet(client, serverURL+"/queries?limit=100", cfg.Server.Token)
		if err == nil {
			var queries []json.RawMessage
			if json.NewDecoder(queriesResp.Body).Decode(&queries) == nil {
				printStatus("Queries", "%s", countLabel(len(queries), 100))
			}
			queriesResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
