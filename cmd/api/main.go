package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/classroom"
	"geoattend/internal/classsession"
	"geoattend/internal/cloudinary"
	"geoattend/internal/config"
	"geoattend/internal/faceclient"
	"geoattend/internal/httpapi"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/logging"
	"geoattend/internal/policy"
	"geoattend/internal/presence"
	"geoattend/internal/queue"
	"geoattend/internal/store"
	"geoattend/internal/tally"
)

func main() {
	issue := flag.String("issue", "", "print a development token for this subject and exit")
	role := flag.String("role", auth.RoleStudent, "role for -issue (student or faculty)")
	name := flag.String("name", "", "display name for -issue")
	email := flag.String("email", "", "email for -issue")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if *issue != "" {
		tok, exp, err := auth.Issue(auth.Identity{Subject: *issue, Role: *role, Name: *name, Email: *email}, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			logger.Error("issue token", "err", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", tok, exp.Format(time.RFC3339))
		return
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := classroom.Load(cfg.ClassroomsFile)
	if err != nil {
		return err
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	health := map[string]httpapi.HealthCheck{}

	counts := tally.New(redisClient.Client)
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// no worker can see this queue, so the API drains it itself
		mem := queue.NewInMemory(256)
		messages, err := mem.Consume(ctx)
		if err != nil {
			return err
		}
		go counts.Run(ctx, messages, logger)
		q = mem
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey, logger)
		health["redis"] = redisClient.Healthy
	}

	var repo attendance.Repository
	if cfg.StoreBackend == "memory" {
		logger.Warn("attendance records kept in memory only")
		repo = attendance.NewMemoryRepository()
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		repo = attendance.NewPostgresRepository(db.Client)
		health["db"] = db.Healthy
	}

	var classes classsession.Directory
	if cfg.ClassBackend == "memory" {
		classes = classsession.NewMemory()
	} else {
		classes = classsession.NewRedis(redisClient.Client)
		health["redis"] = redisClient.Healthy
	}

	policies, err := policyOverrides(cfg.Presence)
	if err != nil {
		return err
	}

	svc := attendance.NewService(repo, q, logger)
	engine := presence.NewEngine(classes, catalog, svc, policies, presence.Options{
		FixTimeout:        cfg.Presence.FixTimeout,
		NetworkTimeout:    cfg.Presence.NetworkTimeout,
		BiometricTimeout:  cfg.Presence.BiometricTimeout,
		ReverifyInterval:  cfg.Presence.ReverifyInterval,
		ClassPollInterval: cfg.Presence.ClassPollInterval,
		Location:          cfg.CampusLocation(),
		Logger:            logger,
	})
	registry := presence.NewRegistry(engine)
	defer registry.Close()

	deps := httpapi.Deps{
		Registry:   registry,
		Classes:    classes,
		Catalog:    catalog,
		Attendance: svc,
		Tally:      counts,
		SigningKey: cfg.JWTSigningKey,
		Issuer:     cfg.JWTIssuer,
		Limiter:    httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin),
		Health:     health,
		MaxFixAge:  cfg.Presence.MaxFixAge,
		Location:   cfg.CampusLocation(),
		Logger:     logger,
	}
	if cfg.BiometricMode == "face-service" {
		deps.Face = faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
		logger.Info("biometric checks use the face service", "url", cfg.FaceServiceURL, "skip", cfg.FaceSkip)
	}
	if cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder); cdn.Configured() {
		deps.Uploads = cdn
		logger.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		logger.Info("cloudinary not configured, uploads disabled")
	}

	api := httpapi.New(deps)
	go api.RunSweeper(ctx, 10*time.Minute, cfg.Presence.IdleTTL)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // biometric prompts can take a while
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "err", err)
	}
	logger.Info("server exited")
	return nil
}

func policyOverrides(p config.Presence) (policy.Selector, error) {
	overrides := map[policy.Platform]policy.Set{}
	for platform, name := range map[policy.Platform]string{policy.IOS: p.PolicyIOS, policy.Android: p.PolicyAndroid} {
		if name == "" {
			continue
		}
		set, err := policy.ParseSet(name)
		if err != nil {
			return policy.Selector{}, fmt.Errorf("policy for %s: %w", platform, err)
		}
		overrides[platform] = set
	}
	return policy.NewSelector(overrides), nil
}
