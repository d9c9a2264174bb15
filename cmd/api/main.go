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

	"github.com/joho/godotenv"

	"sonicpact.io/internal/auth"
	"sonicpact.io/internal/httpapi"
	"sonicpact.io/internal/mirror"
	"sonicpact.io/internal/obs"
	"sonicpact.io/internal/pact"
	"sonicpact.io/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// Local overrides from .env; absence is not an error.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Engine selection: Postgres when a DSN is configured, otherwise the
	// in-memory engine for development.
	var (
		engine pact.Service
		db     *sql.DB
	)
	if dsn := os.Getenv("SONICPACT_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		engine = store
		db = store.DB()
		defer store.Close()
	} else {
		log.Println("SONICPACT_PG_DSN not set, using in-memory engine")
		engine = pact.NewInMemory()
	}

	tokens, err := auth.NewFromEnv()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	if tokens == nil {
		log.Println("SONICPACT_AUTH_SECRET not set, bearer auth disabled")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Off-chain mirror: every lifecycle event fans out to SSE subscribers
	// and into the local read model.
	stream := mirror.New()
	projection := mirror.NewProjection()
	go projection.Run(rootCtx, stream)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, engine, stream, tokens)
	api.UseProjection(projection)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting sonicpact-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	rootCancel()
	log.Println("Stopped")
}
