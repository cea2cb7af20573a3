package main

import (
	"context"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/VibeCode-Max/bright-flow-mind/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	if connStr == "" || tasksTable == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING or TASKS_TABLE")
	}

	ctx := context.Background()
	store, err := storage.New(connStr, tasksTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	if err := store.EnsureTable(ctx); err != nil {
		log.Fatalf("create table: %v", err)
	}

	if path := os.Getenv("SEED_FILE"); path != "" {
		boardID := os.Getenv("SEED_BOARD")
		if boardID == "" {
			log.Fatal("SEED_BOARD must be set with SEED_FILE")
		}
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		n, err := seedBoard(ctx, store, boardID, f)
		_ = f.Close()
		if err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.WithFields(log.Fields{"board": boardID, "tasks": n}).Info("board seeded")
	}

	log.Info("storage init complete")
}
