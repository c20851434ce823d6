package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagegate.org/internal/approval"
	"stagegate.org/internal/httpapi"
	"stagegate.org/internal/kv"
	"stagegate.org/internal/ledger"
	"stagegate.org/internal/obs"
	"stagegate.org/internal/permission"
	"stagegate.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx := context.Background()

	// Durable store when a DSN is configured, in-memory otherwise. The
	// in-memory store loses state on restart; local development only.
	var (
		store kv.Store = kv.NewMemory()
		db    *sql.DB
	)
	if dsn := os.Getenv("STAGEGATE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		if err := pg.Migrate(ctx, pgStore.DB()); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	}

	resolver, err := permission.NewResolver(ctx, store)
	if err != nil {
		log.Fatalf("permission resolver: %v", err)
	}
	approvals, err := approval.NewWorkflow(ctx, store)
	if err != nil {
		log.Fatalf("approval workflow: %v", err)
	}
	chain, err := ledger.New(ctx, store)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	if result := chain.Verify(); !result.Valid {
		log.Fatalf("ledger integrity check failed at index %d: %s", result.Index, result.Reason)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, resolver, approvals, chain)
	if os.Getenv("STAGEGATE_AUTH_SECRET") != "" {
		api.RequireAuth()
	} else {
		log.Println("STAGEGATE_AUTH_SECRET is not set; running without authentication")
	}

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting stagegate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func listenAddr() string {
	if addr := os.Getenv("STAGEGATE_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}
