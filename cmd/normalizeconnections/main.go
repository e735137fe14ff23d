// Command normalizeconnections rewrites stored connection identities to their
// normalized form, skipping any that would collide with an existing one.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thrillee/smsrouter/internal/backend"
	"github.com/thrillee/smsrouter/internal/config"
	"github.com/thrillee/smsrouter/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.StoreDriver != "postgres" {
		log.Fatalf("normalizeconnections needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	remaps, err := store.NewPostgresStore(pool).NormalizeConnections(ctx, backend.NormalizeIdentity)
	if err != nil {
		log.Printf("Normalization rolled back: %v", err)
		cancel()
		os.Exit(1)
	}

	var changed, skipped int
	for _, r := range remaps {
		switch {
		case r.Collision:
			skipped++
			fmt.Printf("skipping %s, collision\n", r.From)
		default:
			changed++
			fmt.Printf("remapping %s to %s\n", r.From, r.To)
		}
	}
	log.Printf("Done: %d remapped, %d skipped, %d total", changed, skipped, len(remaps))
}
