package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/db"
	"github.com/rbaeza/agil-tracker/internal/etl"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

func main() {
	from := flag.String("from", "", "start date (YYYY-MM-DD), default: configured window")
	to := flag.String("to", "", "end date (YYYY-MM-DD), default: today")
	pages := flag.Int("pages", 0, "page cap, default: configured")
	flag.Parse()

	var opts etl.RefreshOptions
	opts.MaxPages = *pages
	if *from != "" {
		t, err := time.Parse("2006-01-02", *from)
		if err != nil {
			log.Fatalf("Invalid -from: %v", err)
		}
		opts.DateFrom = t
	}
	if *to != "" {
		t, err := time.Parse("2006-01-02", *to)
		if err != nil {
			log.Fatalf("Invalid -to: %v", err)
		}
		opts.DateTo = t
	}

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
	found, err := pipeline.FullRefresh(ctx, opts, progress)
	if err != nil {
		log.Fatalf("Refresh failed: %v", err)
	}
	fmt.Printf("Done: %d opportunities swept\n", found)
}
