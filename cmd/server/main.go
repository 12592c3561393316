package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/rbaeza/agil-tracker/internal/api"
	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/db"
	"github.com/rbaeza/agil-tracker/internal/etl"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	store := db.NewStore(pool)
	engine := score.NewEngine(store)
	fetcher := scrape.NewPortalClient(scrape.NewBrowserAcquirer())
	pipeline := etl.NewService(store, fetcher, engine, settings)

	runner := etl.NewRunner(pipeline)
	runner.StartMaintenance(24 * time.Hour)

	srv := api.NewServer(store, pipeline, runner, settings)
	log.Printf("Server starting on port %s...", port)
	if err := srv.Start(port); err != nil {
		log.Fatal(err)
	}
}
