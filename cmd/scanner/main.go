package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presence/internal/audit"
	"presence/internal/config"
	"presence/internal/metrics"
	"presence/internal/pattern"
	"presence/internal/queue"
	"presence/internal/store"
)

// Scanner consumes rejection events and periodically mines the attempt log
// for coordinated-cheating patterns. It is read-only over the log: the
// report goes to operators, never back into the data.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
		q = queue.NewRedisQueue(redisClient.Client, "presence:rejections")
	}

	attempts := audit.NewRepository(db.Client)
	engine := pattern.NewEngine(cfg.Thresholds)

	rejections, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	ticker := time.NewTicker(cfg.ScanInterval)
	defer ticker.Stop()

	log.Printf("scanner started, scanning every %s over a %s window", cfg.ScanInterval, cfg.ScanWindow)
	pending := 0
	for {
		select {
		case _, ok := <-rejections:
			if !ok {
				log.Println("scanner stopped")
				return
			}
			pending++
			// A burst of rejections is worth a look before the next tick.
			if pending >= 25 {
				scan(ctx, attempts, engine, cfg.ScanWindow)
				pending = 0
			}
		case <-ticker.C:
			scan(ctx, attempts, engine, cfg.ScanWindow)
			pending = 0
		case <-ctx.Done():
			log.Println("scanner stopped")
			return
		}
	}
}

// scan runs one detection pass over the trailing window and reports ranked
// findings.
func scan(ctx context.Context, attempts *audit.Repository, engine *pattern.Engine, window time.Duration) {
	now := time.Now().UTC()
	rows, err := attempts.List(ctx, audit.Filter{From: now.Add(-window), Limit: 10000})
	if err != nil {
		log.Printf("attempt load failed: %v", err)
		return
	}
	patterns := engine.Detect(rows, now)

	bySeverity := map[string]int{}
	for _, p := range patterns {
		bySeverity[p.Severity]++
	}
	for _, severity := range []string{pattern.SeverityCritical, pattern.SeverityHigh, pattern.SeverityMedium, pattern.SeverityLow} {
		metrics.PatternsDetected.WithLabelValues(severity).Set(float64(bySeverity[severity]))
	}

	if len(patterns) == 0 {
		log.Printf("scan: %d attempts, no patterns", len(rows))
		return
	}
	log.Printf("scan: %d attempts, %d patterns (%d critical)", len(rows), len(patterns), bySeverity[pattern.SeverityCritical])
	for _, p := range patterns {
		subject := p.StudentID
		if subject == "" {
			subject = p.SharedKey
		}
		log.Printf("  [%s] %s %s: %s (%d rows)", p.Severity, p.Kind, subject, p.Description, len(p.Evidence))
	}
}
