package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"tokenforge.org/internal/audit"
	"tokenforge.org/internal/blacklist"
	"tokenforge.org/internal/geo"
	"tokenforge.org/internal/httpapi"
	"tokenforge.org/internal/obs"
	"tokenforge.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

const sweepInterval = 10 * time.Minute

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("TOKENFORGE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TOKENFORGE_AUTH_SECRET is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Durable store: PostgreSQL when a DSN is configured, otherwise an
	// in-process store for local development.
	var (
		store token.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("TOKENFORGE_PG_DSN"); dsn != "" {
		pg, err := token.OpenPG(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pg.Close()
		store = pg
		db = pg.DB()
	} else {
		log.Print("TOKENFORGE_PG_DSN not set, using in-memory store (development mode)")
		mem := token.NewMemoryStore()
		seedDevUsers(ctx, mem)
		store = mem
	}
	if err := store.Versions(ctx).EnsureSecurityConfig(ctx); err != nil {
		log.Fatalf("ensure security config: %v", err)
	}

	// Blacklist cache: Redis when configured, process-local otherwise.
	var cache blacklist.Cache
	if addr := os.Getenv("TOKENFORGE_REDIS_ADDR"); addr != "" {
		rdb, err := blacklist.DialRedis(ctx, addr, os.Getenv("TOKENFORGE_REDIS_PASSWORD"), envInt("TOKENFORGE_REDIS_DB", 0))
		if err != nil {
			log.Fatalf("dial redis: %v", err)
		}
		defer rdb.Close()
		cache = rdb
	} else {
		log.Print("TOKENFORGE_REDIS_ADDR not set, using in-memory blacklist cache")
		cache = blacklist.NewMemoryCache()
	}
	bl := blacklist.New(cache)

	// Audit pipeline: structured log always, database sink when available,
	// delivery off the request path.
	var sink audit.Sink = audit.LogSink{}
	if db != nil {
		sink = audit.MultiSink{audit.LogSink{}, audit.NewPGSink(db)}
	}
	dispatcher := audit.NewDispatcher(sink, 256)
	defer dispatcher.Close()

	resolver := geo.NewCached(geo.NewStatic(nil), 0)

	issuerOpts := []token.IssuerOption{}
	if name := os.Getenv("TOKENFORGE_ISSUER"); name != "" {
		issuerOpts = append(issuerOpts, token.WithIssuerName(name))
	}
	if ttl := envDuration("TOKENFORGE_ACCESS_TTL"); ttl > 0 {
		issuerOpts = append(issuerOpts, token.WithAccessTTL(ttl))
	}
	if ttl := envDuration("TOKENFORGE_REFRESH_TTL"); ttl > 0 {
		issuerOpts = append(issuerOpts, token.WithRefreshTTL(ttl))
	}
	issuer, err := token.NewIssuer(store, []byte(secret), issuerOpts...)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	validatorOpts := []token.ValidatorOption{token.WithRevocationCache(bl)}
	if name := os.Getenv("TOKENFORGE_ISSUER"); name != "" {
		validatorOpts = append(validatorOpts, token.WithValidatorIssuer(name))
	}
	validator, err := token.NewValidator(store, []byte(secret), validatorOpts...)
	if err != nil {
		log.Fatalf("validator: %v", err)
	}

	rotation := token.NewRotationService(store,
		token.WithRotationCache(bl),
		token.WithRotationAudit(dispatcher))
	sessions := token.NewSessionCatalog(store,
		token.WithCatalogCache(bl),
		token.WithCatalogResolver(resolver),
		token.WithCatalogAudit(dispatcher))

	api := httpapi.New(httpapi.Config{
		ReadyProbe: httpapi.ReadyProbe{DB: db},
		Version:    version,
		Store:      store,
		Issuer:     issuer,
		Validator:  validator,
		Rotation:   rotation,
		Sessions:   sessions,
		RateBurst:  envInt("TOKENFORGE_RATE_BURST", 50),
		RatePerSec: envInt("TOKENFORGE_RATE_PER_SEC", 25),
	})

	addr := os.Getenv("TOKENFORGE_ADDR")
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

	// Background sweep hard-revokes tokens whose grace deadline passed.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(context.Background(), time.Minute)
				n, err := store.RefreshTokens(sweepCtx).SweepExpiredGrace(sweepCtx, time.Now().UTC())
				sweepCancel()
				if err != nil {
					obs.Warn("grace sweep failed", map[string]any{"error": err.Error()})
					continue
				}
				if n > 0 {
					obs.Log("info", "grace sweep revoked tokens", map[string]any{"count": n})
				}
			case <-sweepDone:
				return
			}
		}
	}()

	log.Printf("Starting tokenforge-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	close(sweepDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

// seedDevUsers creates the development accounts the SQL seeds would create
// in a real database. Password for both is "password".
func seedDevUsers(ctx context.Context, store token.Store) {
	hash, err := token.HashPassword("password")
	if err != nil {
		log.Fatalf("seed dev users: %v", err)
	}
	users := []*token.User{
		{Email: "dev@example.com", PasswordHash: hash, Status: "active"},
		{Email: "admin@example.com", PasswordHash: hash, Role: "admin", Status: "active"},
	}
	for _, u := range users {
		if err := store.Users(ctx).Create(ctx, u); err != nil {
			log.Fatalf("seed dev users: %v", err)
		}
	}
	log.Print("seeded dev users: dev@example.com, admin@example.com (password: password)")
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("%s must be an integer: %v", key, err)
	}
	return v
}

func envDuration(key string) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("%s must be a duration like 30m or 720h: %v", key, err)
	}
	return d
}
