// chatcore server: serves the chat API and WebSocket status stream, runs
// streaming sessions against the configured model providers and persists
// chat histories.
package main

import (
	"context"
	stdsql "database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"entgo.io/ent/dialect"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/chatcore/pkg/api"
	"github.com/codeready-toolchain/chatcore/pkg/config"
	"github.com/codeready-toolchain/chatcore/pkg/database"
	"github.com/codeready-toolchain/chatcore/pkg/events"
	"github.com/codeready-toolchain/chatcore/pkg/llm"
	"github.com/codeready-toolchain/chatcore/pkg/logger"
	"github.com/codeready-toolchain/chatcore/pkg/masking"
	"github.com/codeready-toolchain/chatcore/pkg/mcp"
	"github.com/codeready-toolchain/chatcore/pkg/services"
	"github.com/codeready-toolchain/chatcore/pkg/store"
	"github.com/codeready-toolchain/chatcore/pkg/stream"
	"github.com/codeready-toolchain/chatcore/pkg/title"
	"github.com/codeready-toolchain/chatcore/pkg/tools"
	"github.com/codeready-toolchain/chatcore/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// historyBackend is the opened history store and what it needs at shutdown.
type historyBackend struct {
	store store.HistoryStore
	db    *stdsql.DB // nil for the in-memory backend
	dsn   string     // set for postgres only; enables cross-replica NOTIFY
	close func()
}

func openBackend(ctx context.Context, cfg *config.StorageConfig) (*historyBackend, error) {
	switch cfg.Backend {
	case config.StorageBackendPostgres:
		dbConfig, err := database.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		dbClient, err := database.NewClient(ctx, dbConfig)
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to PostgreSQL database")
		return &historyBackend{
			store: store.NewSQLStore(dbClient.DB(), dialect.Postgres),
			db:    dbClient.DB(),
			dsn:   dbConfig.DSN(),
			close: func() {
				if err := dbClient.Close(); err != nil {
					slog.Error("Error closing database client", "error", err)
				}
			},
		}, nil

	case config.StorageBackendSQLite:
		db, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("Opened SQLite history database", "path", cfg.SQLitePath)
		return &historyBackend{
			store: store.NewSQLStore(db, dialect.SQLite),
			db:    db,
			close: func() {
				if err := db.Close(); err != nil {
					slog.Error("Error closing SQLite database", "error", err)
				}
			},
		}, nil

	default:
		slog.Warn("Using in-memory history store, chats are lost on restart")
		return &historyBackend{store: store.NewMemoryStore(), close: func() {}}, nil
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ctx := context.Background()

	// 1. Initialize configuration and logging
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if err := logger.Setup(cfg.Logging); err != nil {
		slog.Error("Failed to configure logging", "error", err)
		os.Exit(1)
	}
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	stats := cfg.Stats()
	slog.Info("Starting chatcore",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir,
		"storage", cfg.Storage.Backend,
		"llm_providers", stats.LLMProviders,
		"mcp_servers", stats.MCPServers)

	// 2. Open the history store
	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open history store", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.close()

	// 3. Model providers
	// Note: grpc providers dial lazily; the connection is made on first use
	providers, err := llm.NewRegistryFromConfig(cfg.LLMProviderRegistry, cfg.Streaming.EventBufferSize)
	if err != nil {
		slog.Error("Failed to initialize LLM providers", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := providers.Close(); err != nil {
			slog.Error("Error closing LLM providers", "error", err)
		}
	}()
	slog.Info("LLM providers initialized", "providers", providers.Names())

	// 4. Tools: built-ins plus every tool of the configured MCP servers
	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolRegistry, backend.store); err != nil {
		slog.Error("Failed to register built-in tools", "error", err)
		os.Exit(1)
	}

	mcpClient := mcp.NewClient(cfg.MCPServerRegistry)
	mcpClient.SetMasker(masking.NewService(cfg.MCPServerRegistry))
	defer func() {
		if err := mcpClient.Close(); err != nil {
			slog.Error("Error closing MCP client", "error", err)
		}
	}()
	var healthMonitor *mcp.HealthMonitor
	if cfg.MCPServerRegistry.Len() > 0 {
		mcpClient.Initialize(ctx)
		if failed := mcpClient.FailedServers(); len(failed) > 0 {
			slog.Warn("Some MCP servers are unavailable", "failed_servers", failed)
		}
		n := mcp.RegisterTools(ctx, mcpClient, toolRegistry)
		slog.Info("MCP tools registered", "tools", n)

		healthMonitor = mcp.NewHealthMonitor(mcpClient)
		healthMonitor.Start(ctx)
		defer healthMonitor.Stop()
		slog.Info("MCP health monitor started")
	}
	executor := tools.NewExecutor(toolRegistry, cfg.Streaming.ToolTimeout)

	// 5. Streaming coordinator and services
	chatService := services.NewChatService(backend.store, cfg.Branching)
	statusStore := stream.NewStore()
	coordinator := stream.NewCoordinator(statusStore, chatService, executor, stream.Config{
		SessionTimeout: cfg.Streaming.SessionTimeout,
	})
	conversationService := services.NewConversationService(chatService, coordinator, providers, services.ConversationConfig{
		Defaults:     cfg.Defaults,
		DefaultTools: cfg.Tools.DefaultEnabled,
		Instructions: func(enabled []string) string {
			return mcp.Instructions(cfg.MCPServerRegistry, enabled)
		},
	})

	// 6. Title generation after completed turns
	titleGenerator := title.NewGenerator(cfg.Titles, chatService, providers)
	coordinator.OnTurnComplete(titleGenerator.OnTurnComplete)
	slog.Info("Services initialized",
		"titles_enabled", cfg.Titles.Enabled,
		"update_title_on_extension", cfg.Titles.UpdateOnExtension)

	// 7. Live updates over WebSocket
	connManager := events.NewConnectionManager(events.NewSource(chatService, statusStore), 10*time.Second)
	publisher := events.NewPublisher(connManager)
	publisher.Start(statusStore)

	var notifyListener *events.NotifyListener
	if backend.dsn != "" {
		// Every replica announces its saves with NOTIFY, so the listener
		// delivers local saves too.
		notifyListener = events.NewNotifyListener(backend.dsn, publisher)
		if err := notifyListener.Start(ctx); err != nil {
			slog.Error("Failed to start NotifyListener", "error", err)
			os.Exit(1)
		}
	} else {
		chatService.OnChange(publisher.PublishHistoryChanged)
	}
	slog.Info("Streaming infrastructure initialized")

	// 8. HTTP server
	httpServer := api.NewServer(cfg, chatService, conversationService, connManager)
	httpServer.SetDB(backend.db)
	if cfg.Titles.Enabled {
		httpServer.SetTitleGenerator(titleGenerator)
	}
	if healthMonitor != nil {
		httpServer.SetHealthMonitor(healthMonitor)
	}
	httpServer.SetToolRegistry(toolRegistry)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("chatcore started successfully")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop accepting requests, then end the running
	// sessions (each records its outcome), then the background workers.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sessionsDone := make(chan struct{})
	go func() {
		coordinator.Stop()
		titleGenerator.Stop()
		close(sessionsDone)
	}()

	select {
	case <-sessionsDone:
		slog.Info("Streaming sessions stopped gracefully")
	case <-time.After(cfg.Streaming.GracefulShutdownTimeout):
		slog.Warn("Shutdown timeout exceeded, abandoning running sessions")
	}

	if notifyListener != nil {
		notifyListener.Stop(ctx)
	}
	publisher.Stop()

	slog.Info("Shutdown complete")
}
