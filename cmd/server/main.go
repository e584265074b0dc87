package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"tpn/internal/challenge"
	"tpn/internal/config"
	"tpn/internal/crypto"
	"tpn/internal/database"
	"tpn/internal/geoip"
	"tpn/internal/handlers"
	"tpn/internal/kvstore"
	"tpn/internal/locks"
	"tpn/internal/logging"
	"tpn/internal/scoring"
	"tpn/internal/shell"
	"tpn/internal/wireguard"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.WithContext()

	db, err := database.NewDB(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	secret, err := loadSecret(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to load challenge secret")
	}

	store, err := kvstore.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open cache")
	}
	registry := locks.NewRegistry(store, cfg.LockTTL())

	geo, err := geoip.Open(cfg.GeoIPCountryDB, cfg.GeoIPASNDB)
	if err != nil {
		log.WithError(err).Fatal("failed to open geoip databases")
	}
	defer geo.Close()

	challenges := challenge.NewService(cfg, db, secret)
	tunnels := wireguard.NewValidator(cfg, shell.NewExecutor(), registry, challenges, wireguard.NewDNSResolver(cfg.DNSResolver))
	engine := scoring.NewEngine(cfg, store, db, geo)
	composite := scoring.NewComposite(engine, challenges, tunnels, db, store,
		time.Duration(cfg.ChallengeRetentionHours)*time.Hour)

	handler := handlers.NewHandler(cfg, challenges, composite, engine, tunnels, db)

	router := mux.NewRouter()
	handler.Register(router)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.APICORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	rateLimiter := rate.NewLimiter(
		rate.Every(time.Duration(cfg.APIRateLimitWindowMins)*time.Minute/time.Duration(cfg.APIRateLimitRequests)),
		cfg.APIRateLimitRequests,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      rateLimitMiddleware(rateLimiter)(c.Handler(router)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WriteTimeout(),
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SweepInterfacesOnStart {
		if _, err := tunnels.CleanUpInterfaces(ctx, wireguard.CleanupOptions{}); err != nil {
			log.WithError(err).Warning("startup interface sweep failed")
		}
	}

	go startCleanupRoutine(ctx, db, cfg)

	log.WithFields(logrus.Fields{
		"addr":          server.Addr,
		"public_url":    cfg.PublicValidatorURL,
		"cache_backend": cfg.CacheBackend,
		"ci_mode":       cfg.FastTestMode,
	}).Info("validator starting")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("server exited")
}

func loadSecret(cfg *config.Config) ([]byte, error) {
	if cfg.ChallengeSecret != "" {
		secret, err := crypto.DecodeBase64(cfg.ChallengeSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to decode CHALLENGE_SECRET: %w", err)
		}
		if len(secret) < 16 {
			return nil, fmt.Errorf("CHALLENGE_SECRET must be at least 16 bytes, got %d", len(secret))
		}
		return secret, nil
	}

	secret, err := crypto.GenerateSecret()
	if err != nil {
		return nil, err
	}
	logging.WithContext().Warning("using a random challenge secret, set CHALLENGE_SECRET so responses survive restarts")
	return secret, nil
}

func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func startCleanupRoutine(ctx context.Context, db *database.DB, cfg *config.Config) {
	ticker := time.NewTicker(time.Duration(cfg.CleanupIntervalMins) * time.Minute)
	defer ticker.Stop()

	log := logging.WithContext()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := db.CleanupOldChallenges(time.Duration(cfg.ChallengeRetentionHours) * time.Hour); err != nil {
			log.WithError(err).Warning("failed to clean up old challenges")
		}
		if err := db.CleanupStaleIPs(scoring.StaleAfter); err != nil {
			log.WithError(err).Warning("failed to clean up stale ips")
		}
		log.Debug("cleanup routine completed")
	}
}
