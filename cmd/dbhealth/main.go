package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/docpipe/docpipe/internal/common"
	"github.com/docpipe/docpipe/internal/store"
)

func main() {
	var (
		vacuum     = flag.Bool("vacuum", false, "run VACUUM to reclaim space from deleted image payloads")
		analyze    = flag.Bool("analyze", false, "refresh query planner statistics")
		checkpoint = flag.Bool("checkpoint", false, "truncate the WAL into the main database file")
	)
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := common.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout,
		CacheKB:     cfg.Store.CacheKB,
	}, logger)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("ERROR: closing store: %v", err)
		}
	}()

	stats, err := st.DatabaseStats(ctx)
	if err != nil {
		log.Fatalf("store health: FAIL (%v)", err)
	}
	log.Println("store health: OK")
	log.Printf("path: %s", cfg.Store.Path)
	log.Printf("journal mode: %s", stats.JournalMode)
	log.Printf("size: %d bytes", stats.SizeBytes)
	log.Printf("tasks: %d", stats.TotalTasks)
	log.Printf("files: %d (%d with matched-page images, %d image bytes)",
		stats.TotalFiles, stats.FilesWithImages, stats.ImageBytes)

	if *checkpoint {
		if err := st.CheckpointWAL(ctx); err != nil {
			log.Fatalf("checkpoint: %v", err)
		}
		log.Println("checkpoint: OK")
	}
	if *analyze {
		if err := st.Analyze(ctx); err != nil {
			log.Fatalf("analyze: %v", err)
		}
		log.Println("analyze: OK")
	}
	if *vacuum {
		if err := st.Vacuum(ctx); err != nil {
			log.Fatalf("vacuum: %v", err)
		}
		log.Println("vacuum: OK")
	}
}
