package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ai-chatpal/internal/admin"
	"ai-chatpal/internal/config"
	"ai-chatpal/internal/conversation"
	"ai-chatpal/internal/identity"
	"ai-chatpal/internal/llm"
	"ai-chatpal/internal/metrics"
	"ai-chatpal/internal/quota"
	"ai-chatpal/internal/scheduler"
	"ai-chatpal/internal/storage"
	"ai-chatpal/internal/stream"
	"ai-chatpal/internal/telegram"
	"ai-chatpal/internal/web"
)

const version = "1.0.0"

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.New()
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("failed to load timezone: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	store, durable := storage.Open(ctx, storage.Options{
		DatabaseURL: cfg.DatabaseURL,
		OnFallback:  collector.RecordStoreFallback,
	})
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("❌ failed to close store: %v", err)
		}
	}()

	catalog, err := quota.ParseCatalog(cfg.UnlockKeys)
	if err != nil {
		log.Fatalf("failed to parse UNLOCK_KEYS: %v", err)
	}
	quotas := quota.NewManager(store, cfg.FreeDailyLimit, catalog,
		quota.WithLocation(loc),
		quota.WithRecorder(collector),
	)
	conversations := conversation.NewManager(store, cfg.HistoryWindow, cfg.IdleThreshold)

	model, err := llm.NewFactory(cfg).CreateStreamer(string(cfg.LLMProvider))
	if err != nil {
		log.Fatalf("failed to create llm client: %v", err)
	}
	coordinator := stream.NewCoordinator(conversations, model, readSystemPrompt(cfg.SystemPromptPath), collector)

	sched := scheduler.New(loc)
	sched.SetResetFunction(quotas.ResetDaily)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	limiter := web.NewRateLimiter(cfg.ChatRatePerMinute, cfg.ChatRateBurst)
	defer limiter.Stop()

	srv := web.NewServer(web.Deps{
		Quota:         quotas,
		Conversations: conversations,
		Coordinator:   coordinator,
		Identity:      identity.NewResolver(cfg.CookieSecure),
		Limiter:       limiter,
		Metrics:       metrics.Handler(reg),
		Durable:       durable,
	})

	var wg sync.WaitGroup

	if cfg.TelegramBotToken != "" {
		bot, err := telegram.New(cfg.TelegramBotToken, quotas, conversations, coordinator, cfg.TelegramEditInterval)
		if err != nil {
			log.Fatalf("failed to create bot: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.Start(ctx)
		}()
	} else {
		log.Printf("🤖 TELEGRAM_BOT_TOKEN not set, telegram adapter disabled")
	}

	if cfg.AdminAddr != "" {
		tools := admin.NewTools(store, quotas, conversations, durable)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(ctx, cfg.AdminAddr, admin.SSEHandler(admin.NewServer(tools, version)))
		}()
	}

	if err := srv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		log.Printf("❌ web server failed: %v", err)
		stop()
	}
	wg.Wait()
	log.Printf("👋 chatpal stopped")
}

// serveAdmin exposes the operator tools at /mcp on a separate listener.
func serveAdmin(ctx context.Context, addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("❌ admin server shutdown error: %v", err)
		}
	}()

	log.Printf("🛠️ admin MCP server listening on http://%s/mcp", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("❌ admin server failed: %v", err)
	}
}

func readSystemPrompt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("system prompt file not found or unreadable at %s: %v", path, err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
