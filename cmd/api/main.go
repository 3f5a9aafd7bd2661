package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"creditscribe.org/internal/access"
	"creditscribe.org/internal/accounts"
	"creditscribe.org/internal/auth"
	"creditscribe.org/internal/config"
	"creditscribe.org/internal/httpapi"
	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/obs"
	"creditscribe.org/internal/rpc"
	"creditscribe.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	var (
		envFile  = flag.String("env", "config.env", "dotenv file with CREDITS_* settings")
		yamlFile = flag.String("config", "", "optional YAML config file")
	)
	flag.Parse()

	log := obs.Logger()
	if err := run(*envFile, *yamlFile); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(envFile, yamlFile string) error {
	log := obs.Logger()
	cfg, err := config.Load(envFile, yamlFile)
	if err != nil {
		return err
	}
	if !obs.SetLevel(cfg.LogLevel) {
		log.Warn("unknown log level, keeping info", zap.String("log_level", cfg.LogLevel))
	}
	if cfg.GeneratedSecret {
		log.Warn("no session secret configured; generated an ephemeral one, sessions will not survive a restart")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := auth.NewSessions(cfg.Session.Secret,
		auth.WithIssuer(cfg.Session.Issuer),
		auth.WithSessionTTL(cfg.Session.TTL.Std()),
	)
	if err != nil {
		return err
	}
	events := stream.New()
	credits := ledger.New(store, ledger.WithObserver(events.Observe))
	tokens := access.NewRegistry(store, access.WithTTL(cfg.AccessToken.TTL.Std()))
	verifier := auth.NewVerifier(sessions, tokens)

	api := httpapi.New(httpapi.ReadyProbe{Store: store}, httpapi.Services{
		Ledger:   credits,
		Tokens:   tokens,
		Accounts: accounts.NewDirectory(store, sessions, accounts.WithSignupCredits(cfg.SignupCredits)),
		Verifier: verifier,
		Stream:   events,
	},
		httpapi.WithVersion(version),
		httpapi.WithCORSOrigins(cfg.CORS.Origins),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// event streams stay open, so no write timeout
		IdleTimeout: 60 * time.Second,
	}

	grpcSrv, health := rpc.NewServer(rpc.NewCredits(credits, verifier))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		log.Error("server failed", zap.Error(err))
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	log.Info("stopped")
	return nil
}
