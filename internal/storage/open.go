package storage

import (
	"context"
	"log"
	"time"
)

const defaultConnectTimeout = 3 * time.Second

// Options control backend selection at startup.
type Options struct {
	DatabaseURL    string
	ConnectTimeout time.Duration
	// OnFallback is called each time a durable operation is retried in memory.
	OnFallback func(op string)
}

// opener is swapped in tests to simulate an unreachable database.
var opener = func(ctx context.Context, url string) (Store, error) {
	return OpenPostgres(ctx, url)
}

// Open selects the backend: the durable store when DatabaseURL is set and
// reachable, the in-memory store otherwise. It never fails; the second return
// value reports whether state survives a restart.
func Open(ctx context.Context, opts Options) (Store, bool) {
	if opts.DatabaseURL == "" {
		log.Printf("💾 DATABASE_URL not set, using in-memory store (no persistence across restarts)")
		return NewMemoryStore(), false
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	primary, err := opener(cctx, opts.DatabaseURL)
	if err != nil {
		log.Printf("⚠️ durable store unavailable, using in-memory store (no persistence across restarts): %v", err)
		return NewMemoryStore(), false
	}
	log.Printf("💾 connected to durable store")
	return NewResilientStore(primary, NewMemoryStore(), opts.OnFallback), true
}
