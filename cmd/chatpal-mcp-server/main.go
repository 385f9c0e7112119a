package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"ai-chatpal/internal/admin"
	"ai-chatpal/internal/config"
	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/storage"
)

func main() {
	// stdout carries the protocol, logs go to stderr
	log.SetOutput(os.Stderr)

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("failed to load timezone: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Printf("⚠️ DATABASE_URL not set, tools will only see this process's empty in-memory store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, durable := storage.Open(ctx, storage.Options{DatabaseURL: cfg.DatabaseURL})
	defer store.Close()

	catalog, err := quota.ParseCatalog(cfg.UnlockKeys)
	if err != nil {
		log.Fatalf("failed to parse UNLOCK_KEYS: %v", err)
	}
	quotas := quota.NewManager(store, cfg.FreeDailyLimit, catalog, quota.WithLocation(loc))
	conversations := conversation.NewManager(store, cfg.HistoryWindow, cfg.IdleThreshold)

	server := admin.NewServer(admin.NewTools(store, quotas, conversations, durable), "1.0.0")

	log.Printf("🚀 chatpal admin MCP server starting on stdio")
	if err := server.Run(ctx, mcp.NewStdioTransport()); err != nil {
		log.Printf("❌ MCP server stopped: %v", err)
	}
}
