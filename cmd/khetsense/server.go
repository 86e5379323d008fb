package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/khetsense/khetsense/internal/api"
	"github.com/khetsense/khetsense/internal/audio"
	"github.com/khetsense/khetsense/internal/chat"
	"github.com/khetsense/khetsense/internal/config"
	"github.com/khetsense/khetsense/internal/dialogue"
	"github.com/khetsense/khetsense/internal/engine"
	"github.com/khetsense/khetsense/internal/gemini"
	"github.com/khetsense/khetsense/internal/metrics"
	"github.com/khetsense/khetsense/internal/retrieval"
	"github.com/khetsense/khetsense/internal/session"
	"github.com/khetsense/khetsense/internal/speech"
	"github.com/khetsense/khetsense/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the KhetSense HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show KhetSense system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "khetsense version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Query embeddings come from the same local model the artifact was built with.
	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
		return err
	}

	index, err := retrieval.LoadIndex(ctx, cfg.Corpus.ArtifactPath, cfg.Ollama.EmbedModel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			printWarning("artifact %s not found; run `khetsense embed` first", cfg.Corpus.ArtifactPath)
		}
		return fmt.Errorf("loading retrieval index: %w", err)
	}
	retriever, err := retrieval.NewRetriever(retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel), index)
	if err != nil {
		return err
	}
	slog.Info("retrieval index loaded", "entries", index.Len(), "dimension", index.Dimension(), "model", index.Model())

	m := metrics.New()
	m.RegisterCorpusSize(index.Len())

	sessions := session.New(session.Options{
		TTL:           cfg.Session.TTL,
		MaxSessions:   cfg.Session.MaxSessions,
		SweepInterval: cfg.Session.SweepInterval,
		OnEvict:       m.SessionEvicted,
	})
	m.RegisterSessionGauge(sessions.Len)
	go sessions.Run(ctx)

	generator := gemini.New(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Gemini.Model)
	manager := dialogue.New(generator, retriever, dialogue.Options{
		Timeout: cfg.Gemini.Timeout,
		Logger:  slog.Default(),
		Metrics: m,
	})

	sarvam := speech.New(speech.Config{
		APIKey:   cfg.Sarvam.APIKey,
		BaseURL:  cfg.Sarvam.BaseURL,
		TTSModel: cfg.Sarvam.TTSModel,
		STTModel: cfg.Sarvam.STTModel,
		Timeout:  cfg.Sarvam.Timeout,
	})

	audioDir := audio.New(cfg.Audio.Dir)
	if err := audioDir.Reset(); err != nil {
		slog.Warn("could not reset audio folder", "dir", cfg.Audio.Dir, "error", err)
	}

	svc := chat.NewService(sessions, manager, sarvam, audioDir, slog.Default(), m)

	handler := api.NewHandler(api.Deps{
		Chat:       svc,
		Searcher:   retriever,
		Audio:      audioDir,
		Metrics:    m,
		Logger:     slog.Default(),
		AdminToken: cfg.Server.AdminToken,
		TopK:       cfg.Retrieval.TopK,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Searcher: retriever,
			Chat:     svc,
			TopK:     cfg.Retrieval.TopK,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", srv.Addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "khetsense listening on %s\n", srv.Addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	base := serverURL
	if base == "" {
		base = localURL(cfg)
	}

	resp, err := client.Get(base + "/api/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running at %s", base)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	var eng engine.Engine = engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s (%s)", cfg.Ollama.BaseURL, describeModels(ctx, eng, cfg.Ollama.EmbedModel))
	} else {
		printStatus("Ollama", "not running")
	}

	printStatus("Artifact", "%s", artifactStatus(ctx, cfg.Corpus.ArtifactPath))
	printStatus("Gemini", "%s (%s)", cfg.Gemini.Model, keyState(cfg.Gemini.APIKey))
	printStatus("Sarvam", "%s/%s (%s)", cfg.Sarvam.TTSModel, cfg.Sarvam.STTModel, keyState(cfg.Sarvam.APIKey))
	return nil
}

// describeModels reports whether the embedding model is installed, followed
// by every model the engine has locally.
func describeModels(ctx context.Context, eng engine.Engine, want string) string {
	state := "missing"
	if eng.HasModel(ctx, want) {
		state = "available"
	}
	models, err := eng.ListModels(ctx)
	if err != nil || len(models) == 0 {
		return want + " " + state
	}
	return fmt.Sprintf("%s %s; installed: %s", want, state, strings.Join(models, ", "))
}

func artifactStatus(ctx context.Context, path string) string {
	if _, err := os.Stat(path); err != nil {
		return path + " (not built)"
	}
	store, err := storage.OpenReadOnly(path)
	if err != nil {
		return fmt.Sprintf("%s (unreadable: %v)", path, err)
	}
	defer store.Close()

	m, err := store.Manifest(ctx)
	if err != nil {
		return fmt.Sprintf("%s (no manifest: %v)", path, err)
	}
	return fmt.Sprintf("%s (%d entries, %s, dim %d, built %s)",
		path, m.Count, m.Model, m.Dimension, m.CreatedAt.Format(time.DateOnly))
}

func keyState(key string) string {
	if key == "" {
		return "key missing"
	}
	return "key set"
}
