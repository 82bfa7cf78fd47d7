package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authcore.io/internal/access"
	"authcore.io/internal/cache"
	"authcore.io/internal/credential"
	"authcore.io/internal/directory"
	"authcore.io/internal/httpapi"
	"authcore.io/internal/obs"
	"authcore.io/internal/store"
	"authcore.io/internal/token"
)

var version = "0.1.0"

func main() {
	obs.Init()

	ctx := context.Background()

	// Store: postgres when a DSN is configured, memory otherwise.
	var (
		st    store.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("AUTHCORE_PG_DSN"); dsn != "" {
		pg, err := store.OpenPostgres(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.Close()
		st = pg
		probe.DB = pg.DB()
	} else {
		log.Println("AUTHCORE_PG_DSN not set, using in-memory store")
		st = store.NewMemory()
	}

	// Cache: redis when reachable, memory fallback.
	var c cache.Cache
	if addr := os.Getenv("AUTHCORE_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		c = cache.New(ctx, client)
		probe.Redis = client
	} else {
		c = cache.NewMemory()
	}

	signingKey, err := os.ReadFile(mustEnv("AUTHCORE_SIGNING_KEY"))
	if err != nil {
		log.Fatalf("read signing key: %v", err)
	}

	dir := directory.New(st, c)
	passwords := credential.NewPasswordVerifier(st, dir)
	tokens, err := token.NewService(dir, passwords, st, c, signingKey)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	// The CA is optional; without key material the x509 surface is off.
	var ca *credential.CA
	if keyPath, certPath := os.Getenv("AUTHCORE_CA_KEY"), os.Getenv("AUTHCORE_CA_CERT"); keyPath != "" && certPath != "" {
		caKey, err := os.ReadFile(keyPath)
		if err != nil {
			log.Fatalf("read ca key: %v", err)
		}
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			log.Fatalf("read ca cert: %v", err)
		}
		ca, err = credential.NewCA(st, dir, c, caKey, caCert)
		if err != nil {
			log.Fatalf("certificate authority: %v", err)
		}
	}

	api := httpapi.New(httpapi.Config{
		Store:         st,
		Directory:     dir,
		Tokens:        tokens,
		Passwords:     passwords,
		CA:            ca,
		Access:        access.New(dir, tokens, passwords, ca),
		ReadyProbe:    probe,
		Version:       version,
		RateBurst:     50,
		RatePerSecond: 25,
	})

	addr := os.Getenv("AUTHCORE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting authcore-api %s on %s", version, srv.Addr)

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
	log.Println("Stopped")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required environment variable %s", key)
	}
	return v
}
