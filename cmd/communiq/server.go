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

	"github.com/communiq/communiq/internal/anonymize"
	"github.com/communiq/communiq/internal/answer"
	"github.com/communiq/communiq/internal/api"
	"github.com/communiq/communiq/internal/chunk"
	"github.com/communiq/communiq/internal/compose"
	"github.com/communiq/communiq/internal/config"
	"github.com/communiq/communiq/internal/embedding"
	"github.com/communiq/communiq/internal/ingest"
	"github.com/communiq/communiq/internal/model"
	"github.com/communiq/communiq/internal/retrieve"
	"github.com/communiq/communiq/internal/storage"
	"github.com/communiq/communiq/internal/vecindex"
)

const (
	retryInterval    = time.Minute
	retryBatchLimit  = 64
	evictionInterval = 5 * time.Minute
	shutdownTimeout  = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the communiq server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		rebuild, _ := cmd.Flags().GetBool("rebuild")
		return runServer(rebuild)
	},
}

func init() {
	startCmd.Flags().Bool("rebuild", false, "rebuild the vector index from stored chunks and the embedding cache before serving")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running communiq server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show communiq system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "communiq.pid")
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

func runServer(rebuild bool) error {
	fmt.Fprintf(os.Stderr, "communiq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("COMMUNIQ_LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Ensure a bearer token exists in the platform secret store.
	token, err := config.EnsureServerToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing server token: %w", err)
	}
	logger.Info("bearer token available")

	// Refuse to start a second instance against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("communiq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("communiq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage and warm the vector index from it.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	index := vecindex.New(store, logger)
	if rebuild {
		restored, requeued, err := index.Rebuild()
		if err != nil {
			return fmt.Errorf("rebuilding vector index: %w", err)
		}
		logger.Info("vector index rebuilt", "restored", restored, "requeued", requeued)
	} else if err := index.Load(); err != nil {
		return fmt.Errorf("loading vector index: %w", err)
	}
	logger.Info("vector index ready", "entries", index.Len())

	// Build the ingestion and answering pipeline.
	modelClient := model.NewClientWithBaseURL(cfg.Model.APIKey, cfg.Model.BaseURL, cfg.Model.EmbedModel, cfg.Model.ChatModel)
	generator := embedding.New(modelClient, store, logger, embedding.DefaultConfig())

	ingestor, err := ingest.New(store, anonymize.New(store), generator, index, logger, ingest.Config{
		Workers:      cfg.Ingest.Workers,
		Chunk:        chunk.Config{MaxLen: cfg.Ingest.ChunkMaxLen, Overlap: cfg.Ingest.ChunkOverlap},
		WatermarkLag: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating ingestor: %w", err)
	}
	defer ingestor.Close()

	retriever := retrieve.New(generator, index, store, logger)
	sessions := answer.NewSessions(time.Duration(cfg.Query.SessionTTLMinutes)*time.Minute, cfg.Query.MaxTurns)
	orch := answer.New(retriever, modelClient, compose.New(cfg.Query.MaxContextTokens),
		sessions, answer.NewCache(cfg.Query.CacheSize), index, logger)

	handler := api.NewHandler(api.Deps{
		Ingestor:     ingestor,
		Orchestrator: orch,
		Retriever:    retriever,
		Store:        store,
		Index:        index,
		Token:        token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Background janitors: re-embed failed chunks, drop idle sessions.
	go func() {
		ticker := time.NewTicker(retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				indexed, failed, err := ingestor.RetryPending(ctx, retryBatchLimit)
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("embedding retry failed", "error", err)
				} else if indexed > 0 || failed > 0 {
					logger.Info("embedding retry", "indexed", indexed, "still_failing", failed)
				}
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(evictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.EvictIdle(); n > 0 {
					logger.Info("evicted idle sessions", "count", n)
				}
			}
		}
	}()

	// MCP server over stdio, alongside the HTTP API.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Orchestrator: orch, Retriever: retriever})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "communiq listening on %s\n", addr)
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
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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
		printError("communiq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop communiq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to communiq (PID %d)", pid)
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
	running := false
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

	printStatus("Model endpoint", "%s", cfg.Model.BaseURL)
	printStatus("Embed model", "%s", cfg.Model.EmbedModel)
	printStatus("Chat model", "%s", cfg.Model.ChatModel)

	if running && cfg.Server.Token != "" {
		req, err := http.NewRequest("GET", serverURL+"/stats", nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+cfg.Server.Token)
			if statsResp, err := client.Do(req); err == nil {
				var stats struct {
					Records      int    `json:"records"`
					Chunks       int    `json:"chunks"`
					IndexEntries int    `json:"index_entries"`
					Generation   uint64 `json:"generation"`
				}
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Records", "%d", stats.Records)
					printStatus("Chunks", "%d", stats.Chunks)
					printStatus("Index entries", "%d", stats.IndexEntries)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
