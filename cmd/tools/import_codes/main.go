package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/rbaeza/agil-tracker/internal/config"
	"github.com/rbaeza/agil-tracker/internal/db"
	"github.com/rbaeza/agil-tracker/internal/etl"
	"github.com/rbaeza/agil-tracker/internal/score"
	"github.com/rbaeza/agil-tracker/internal/scrape"
)

func main() {
	disposition := flag.String("disposition", "follow", "mark imported codes as: follow, bid, or none")
	flag.Parse()

	codes := flag.Args()
	if len(codes) == 0 {
		fmt.Println("Usage: import_codes [-disposition follow|bid|none] CODE [CODE...]")
		os.Exit(1)
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
	imported, err := pipeline.ImportCodes(ctx, codes, *disposition, progress)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	fmt.Printf("Imported %d of %d codes\n", imported, len(codes))
}
