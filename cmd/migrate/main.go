package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"stagegate.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	dsn := flag.String("dsn", os.Getenv("STAGEGATE_PG_DSN"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or STAGEGATE_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	if err := pg.Migrate(ctx, store.DB()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("governance_state schema up to date")
}
