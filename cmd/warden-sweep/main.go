// warden-sweep collects relational resource rows no permission row
// references. Deployments that prefer to keep orphan pruning off the
// sync tick's critical path run it on a schedule instead.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/warden/pkg/repository/postgres"
)

var (
	dbDriver = flag.String("db-driver", getEnv("WARDEN_DATABASE_DRIVER", "postgres"), "Database driver (postgres or sqlite3)")
	dbURL    = flag.String("db-url", getEnv("WARDEN_DATABASE_URL", "postgres://localhost/warden?sslmode=disable"), "Database connection URL")
	schedule = flag.String("schedule", "30 * * * *", "Cron schedule for the orphan sweep")
	runOnce  = flag.Bool("run-once", false, "Sweep once and exit")
)

func main() {
	flag.Parse()

	db, err := sql.Open(*dbDriver, *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	if *runOnce {
		if err := sweep(db); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		log.Println("Sweep completed successfully")
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, func() {
		if err := sweep(db); err != nil {
			log.Printf("Sweep failed: %v", err)
			return
		}
		log.Println("Sweep completed successfully")
	}); err != nil {
		log.Fatalf("Failed to schedule sweep: %v", err)
	}
	c.Start()
	log.Printf("Warden resource sweeper started, schedule: %s", *schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	ctx := c.Stop()
	<-ctx.Done()
}

func sweep(db *sql.DB) error {
	return postgres.SweepOrphanedResources(context.Background(), db)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
