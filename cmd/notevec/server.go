package main

import (
	"context"
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

	"github.com/notevec/notevec/internal/api"
	"github.com/notevec/notevec/internal/config"
	"github.com/notevec/notevec/internal/embed"
	"github.com/notevec/notevec/internal/extract"
	"github.com/notevec/notevec/internal/indexer"
	"github.com/notevec/notevec/internal/ollama"
	"github.com/notevec/notevec/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the notevec server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running notevec server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notevec system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "notevec.pid")
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
	fmt.Fprintf(os.Stderr, "notevec version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start. The health endpoint is the authority; the
	// PID file just names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("notevec is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("notevec is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Build the embedding provider. The Ollama client is created either
	// way: image captioning rides on it even when embeddings come from
	// OpenAI.
	ollamaClient := ollama.New(cfg.Provider.OllamaURL)
	var provider embed.Provider
	switch cfg.Provider.Kind {
	case "openai":
		p, err := embed.NewOpenAIProvider(cfg.Provider.OpenAIAPIKey, cfg.Provider.OpenAIModel)
		if err != nil {
			return fmt.Errorf("configuring OpenAI provider: %w", err)
		}
		provider = p
	default:
		provider = embed.NewOllamaProvider(ollamaClient, cfg.Provider.EmbedModel, cfg.Provider.Dimensions)
	}

	var captioner extract.Captioner
	if cfg.Provider.VisionModel != "" {
		captioner = extract.NewVisionCaptioner(ollamaClient, cfg.Provider.VisionModel)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	eng := indexer.New(store, provider, extract.NewDefaultRegistry(captioner), indexer.Options{
		PollInterval:      cfg.Worker.Poll(),
		ReconcileInterval: cfg.Worker.Reconcile(),
	})

	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()

	// Warm-up is best-effort. A failure here leaves the model unloaded
	// and the first job or search acquires it instead.
	if cfg.Server.WarmModel {
		printStep("Warming embedding model...")
		if cfg.Provider.Kind == "ollama" {
			if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Provider.EmbedModel, cfg.Provider.VisionModel, os.Stderr); err != nil {
				printWarning("model warm-up: %v (indexing will retry lazily)", err)
			}
		}
		go eng.WarmModel(ctx)
	}

	engineClient := indexer.NewClient(eng)
	handler := api.NewHandler(api.Deps{
		Store:  store,
		Engine: engineClient,
		Token:  cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on stdio in a goroutine.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:  store,
		Engine: engineClient,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "notevec listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			stop()
			<-engineDone
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)

	// The engine winds down its worker before the deferred store close.
	stop()
	<-engineDone
	return shutdownErr
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
		printError("notevec is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop notevec (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to notevec (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &apiClient{
		baseURL:    baseURL,
		token:      cfg.Server.Token,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Provider.Kind)
	if cfg.Provider.Kind == "openai" {
		printStatus("Embed model", "%s", cfg.Provider.OpenAIModel)
	} else {
		if ollama.New(cfg.Provider.OllamaURL).IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Provider.OllamaURL)
		} else {
			printStatus("Ollama", "not running")
		}
		printStatus("Embed model", "%s", cfg.Provider.EmbedModel)
		printStatus("Vision model", "%s", cfg.Provider.VisionModel)
	}

	if running {
		modelResp, err := client.get(ctx, "/model")
		if err == nil {
			var model struct {
				State string `json:"state"`
			}
			if decodeJSON(modelResp, &model) == nil {
				printStatus("Model state", "%s", model.State)
			}
		}
		statsResp, err := client.get(ctx, "/stats")
		if err == nil {
			var stats struct {
				Pending        int `json:"pending"`
				Failed         int `json:"failed"`
				CompletedNotes int `json:"completed_notes"`
			}
			if decodeJSON(statsResp, &stats) == nil {
				printStatus("Pending", "%d", stats.Pending)
				printStatus("Failed", "%d", stats.Failed)
				printStatus("Indexed notes", "%d", stats.CompletedNotes)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
