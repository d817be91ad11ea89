package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/projector"
	"prism-board/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("command projector starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTable := os.Getenv("TASKS_TABLE")
	statusesTable := os.Getenv("STATUSES_TABLE")
	commandQueue := os.Getenv("COMMAND_QUEUE")
	if connStr == "" || tasksTable == "" || statusesTable == "" || commandQueue == "" {
		log.Fatal("missing storage config")
	}

	queue, err := azqueue.NewQueueClientFromConnectionString(connStr, commandQueue, nil)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		log.Fatalf("table service: %v", err)
	}

	var projected projector.Projected
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		opts, err := redis.ParseURL(redisConn)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		store, err := storage.New(connStr, tasksTable, statusesTable, commandQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		rc := redis.NewClient(opts)
		defer rc.Close()
		projected = storage.NewCache(store, rc, 10*time.Minute)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := projector.New(projector.NewAzureQueue(queue), projector.NewTableStore(svc.NewClient(tasksTable)), projected, log.StandardLogger())
	p.Run(ctx)
	log.Info("command projector stopped")
}
