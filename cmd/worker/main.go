package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes integrity events (accepted marks and proxy flags) and
// appends them to the audit trail backing the admin dashboard.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:integrity")
	}

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for integrity events...")
	for msg := range messages {
		if msg.Kind != queue.KindMark && msg.Kind != queue.KindProxy {
			continue
		}

		sessionID, studentID, deviceID := msg.Fields()
		if sessionID == "" || studentID == "" {
			log.Printf("dropping malformed %s event: %q", msg.Kind, msg.Body)
			continue
		}

		if msg.Kind == queue.KindProxy {
			log.Printf("proxy attempt: student %s used device %s in session %s", studentID, deviceID, sessionID)
		}

		if err := repo.InsertAuditEvent(ctx, msg.Kind, sessionID, studentID, deviceID); err != nil {
			log.Printf("audit insert failed for %s/%s: %v", msg.Kind, studentID, err)
			continue
		}
	}

	log.Println("worker stopped")
}
