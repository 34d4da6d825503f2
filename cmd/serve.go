package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pliu/ume/internal/auth"
	"github.com/pliu/ume/internal/config"
	"github.com/pliu/ume/internal/handlers"
	"github.com/pliu/ume/internal/logger"
	"github.com/pliu/ume/internal/metrics"
	"github.com/pliu/ume/internal/presence"
	"github.com/pliu/ume/internal/relay"
	"github.com/pliu/ume/internal/store/backend"
	"github.com/pliu/ume/internal/sweep"
	"github.com/pliu/ume/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := backend.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	log.Info("store_opened", zap.String("driver", cfg.Store.Driver))

	m := metrics.New()
	reg := presence.NewMemory()
	d := relay.NewDispatcher(st, reg, m, log)
	d.StoreTimeout = cfg.Delivery.StoreTimeout
	d.PushTimeout = cfg.Delivery.PushTimeout
	d.HistoryLimit = cfg.Delivery.HistoryLimit

	hub := ws.NewHub(d, hubOptions(cfg), log)

	var signer *auth.Signer
	if cfg.Server.HandshakeSecret != "" {
		signer = auth.NewSigner(cfg.Server.HandshakeSecret)
	}
	router := handlers.NewRouter(&handlers.RelayHandler{
		Hub:        hub,
		Dispatcher: d,
		Registry:   reg,
		Metrics:    m,
		Log:        log,
	}, signer)

	var sweeper *sweep.Scheduler
	if cfg.Sweep.Enabled {
		sweeper, err = sweep.New(cfg.Sweep.Cron, d, log)
		if err != nil {
			st.Close()
			return err
		}
		sweeper.Start(ctx)
	} else {
		log.Info("sweep_disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server_starting", zap.String("addr", cfg.Server.Addr), zap.Bool("signed_handshake", signer != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown_signal_received")
	case err = <-serveErr:
		log.Error("server_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sweeper != nil {
		sweeper.Stop()
	}
	if herr := hub.Shutdown(shutdownCtx); herr != nil {
		log.Warn("hub_shutdown_incomplete", zap.Error(herr))
	}
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http_shutdown_incomplete", zap.Error(serr))
	}
	if cerr := st.Close(); cerr != nil {
		log.Error("store_close_failed", zap.Error(cerr))
	}
	log.Info("server_stopped")
	return err
}

func hubOptions(cfg *config.Config) ws.Options {
	opts := ws.DefaultOptions()
	opts.AllowedOrigins = cfg.Server.AllowedOrigins
	opts.MaxMessageSize = cfg.Server.MaxMessageSize
	opts.SendBuffer = cfg.Server.SendBuffer
	opts.RateLimit = rate.Limit(cfg.RateLimit.RPS)
	opts.RateBurst = cfg.RateLimit.Burst
	return opts
}
