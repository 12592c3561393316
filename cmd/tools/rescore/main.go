package main

import (
	"context"
	"fmt"
	"log"

	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/db"
	"github.com/rbaeza/agil-tracker/internal/etl"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	pipeline := etl.NewService(store, scrape.NewPortalClient(scrape.NewBrowserAcquirer()),
		score.NewEngine(store), settings)

	progress := etl.Progress{OnText: func(msg string) { fmt.Println(msg) }}
	if err := pipeline.RescoreAll(ctx, progress); err != nil {
		log.Fatalf("Rescore failed: %v", err)
	}
}
