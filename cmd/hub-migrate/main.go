// Command hub-migrate bootstraps the relational schema: the tasks,
// task_progress, and artifact_metadata tables plus their indexes. The
// statements are idempotent; rerunning against a populated database is
// safe.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/aivillage/hub/pkg/config"
	"github.com/aivillage/hub/pkg/storage"
)

var (
	dsn     = flag.String("dsn", "", "Postgres DSN (default: POSTGRES_URL / POSTGRES_DSN)")
	timeout = flag.Duration("timeout", 30*time.Second, "overall migration timeout")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Hub schema migration")

	target := *dsn
	if target == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			log.Fatalf("Configuration error: %v", err)
		}
		target = cfg.PostgresURL
	}
	if target == "" {
		log.Println("No DSN: set POSTGRES_URL or pass -dsn")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := storage.NewPostgresStore(ctx, target)
	if err != nil {
		log.Printf("Failed to connect: %v", err)
		os.Exit(2)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Printf("Migration failed: %v", err)
		os.Exit(2)
	}

	log.Println("✓ Schema is up to date")
}
