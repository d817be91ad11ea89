package main

import (
	"context"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"prism-board/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	tasksTable := os.Getenv("TASKS_TABLE")
	statusesTable := os.Getenv("STATUSES_TABLE")
	commandQueue := os.Getenv("COMMAND_QUEUE")

	ctx := context.Background()
	if err := storage.EnsureTables(ctx, connStr, tasksTable, statusesTable); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := storage.EnsureQueues(ctx, connStr, commandQueue); err != nil {
		log.Fatalf("create queues: %v", err)
	}

	// SEED_PROJECT_ID gives a fresh project its default columns.
	if projectID := os.Getenv("SEED_PROJECT_ID"); projectID != "" {
		if statusesTable == "" || commandQueue == "" {
			log.Fatal("seeding needs STATUSES_TABLE and COMMAND_QUEUE")
		}
		store, err := storage.New(connStr, tasksTable, statusesTable, commandQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		seeded, err := store.SeedStatuses(ctx, projectID, storage.DefaultStatuses())
		if err != nil {
			log.Fatalf("seed statuses: %v", err)
		}
		log.WithFields(log.Fields{"project": projectID, "seeded": seeded}).Info("project statuses ready")
	}

	log.Info("storage init complete")
}
