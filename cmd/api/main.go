package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"profilevault.org/internal/auth"
	"profilevault.org/internal/coldstore"
	"profilevault.org/internal/config"
	"profilevault.org/internal/history"
	"profilevault.org/internal/httpapi"
	"profilevault.org/internal/keyring"
	"profilevault.org/internal/obs"
	"profilevault.org/internal/payload"
	"profilevault.org/internal/profile"
	"profilevault.org/internal/store/memory"
	"profilevault.org/internal/store/pg"
	"profilevault.org/internal/taskqueue"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	pruneInterval  = time.Hour
	healthInterval = 10 * time.Second
)

func main() {
	envFile := flag.String("env", ".env", "optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	build := obs.SetBuild(version, commit)

	// A missing ring stops startup. An unknown active id does too unless
	// PV_ACTIVE_KID_FALLBACK is set.
	keys, err := keyring.Build(cfg.KeyConfig())
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}
	if err := keys.Require(keyring.Purposes...); err != nil {
		log.Fatalf("keyring: %v", err)
	}
	for purpose, requested := range keys.ActiveFallbacks() {
		ring, _ := keys.Ring(purpose)
		obs.Warn("active key id not configured, using first key", map[string]any{
			"purpose":   string(purpose),
			"requested": requested,
			"active":    ring.ActiveID(),
		})
	}
	for _, purpose := range keyring.Purposes {
		ring, _ := keys.Ring(purpose)
		obs.SetKeyRing(string(purpose), ring.ActiveID(), ring.Len())
	}
	tokens, err := auth.NewTokenService(keys,
		auth.WithIssuer(cfg.Issuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	cipher, err := payload.NewCipher(keys)
	if err != nil {
		log.Fatalf("payload cipher: %v", err)
	}

	var (
		accountStore auth.Store
		profileStore profile.Store
		users        auth.UserStore
		historyStore history.Store
		cold         coldstore.Sink
		ready        httpapi.ReadyProbe
		closers      []func() error
	)
	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		closers = append(closers, db.Close)
		accountStore, profileStore, users = db, db, db.Users()
		historyStore = db.History()
		cold = db.ColdObjects(cfg.ColdStoreBucket)
		ready.DB = db
	} else {
		obs.Warn("PV_PG_DSN not set, using in-memory storage", nil)
		mem := memory.New()
		accountStore, profileStore, users = mem, mem, mem.Users()
		historyStore = history.NewMemoryStore()
		cold = coldstore.NewMemorySink(cfg.ColdStoreBucket)
	}
	if cfg.ColdStoreDir != "" {
		fsSink, err := coldstore.NewFSSink(cfg.ColdStoreDir, cfg.ColdStoreBucket)
		if err != nil {
			log.Fatalf("coldstore: %v", err)
		}
		cold = fsSink
	}

	var historyOpts []history.Option
	if len(cfg.KafkaBrokers) > 0 {
		w := history.NewKafkaWriter(cfg.KafkaBrokers, cfg.HistoryTopic)
		closers = append(closers, w.Close)
		historyOpts = append(historyOpts, history.WithPublisher(history.NewKafkaPublisher(w)))
	}

	lanes := taskqueue.New()
	accounts := auth.NewService(accountStore, tokens)
	profiles, err := profile.NewService(profile.Config{
		Store:   profileStore,
		Users:   users,
		Lanes:   lanes,
		History: history.NewRecorder(historyStore, historyOpts...),
		Cipher:  cipher,
		Cold:    cold,
	})
	if err != nil {
		log.Fatalf("profile service: %v", err)
	}

	api := httpapi.New(accounts, profiles, ready, version)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneRefreshTokens(ctx, accounts)

	health := httpapi.NewHealthServer(ready)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}
	go health.Run(ctx, healthInterval)
	go func() {
		obs.Info("starting grpc health", map[string]any{"addr": grpcLis.Addr().String()})
		if err := grpcSrv.Serve(grpcLis); err != nil && err != grpc.ErrServerStopped {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	go func() {
		obs.Info("starting profilevault-api", map[string]any{"version": build.Version, "commit": build.Commit, "addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	stopGRPC(shutdownCtx, grpcSrv)
	if err := lanes.Drain(shutdownCtx); err != nil {
		obs.Warn("serial lanes did not drain", map[string]any{"error": err.Error(), "pending": lanes.Pending()})
	}
	for i := len(closers) - 1; i >= 0; i-- {
		_ = closers[i]()
	}
	obs.Info("stopped", nil)
}

func pruneRefreshTokens(ctx context.Context, accounts *auth.Service) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := accounts.PruneRefreshTokens(ctx); err != nil {
				obs.Error("refresh token prune failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// stopGRPC waits for in-flight health calls, forcing the stop when ctx ends first.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
