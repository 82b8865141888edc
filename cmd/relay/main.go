// cmd/relay/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"estat-capture/internal/capture"
	"estat-capture/internal/config"
	"estat-capture/internal/deadletter"
	"estat-capture/internal/logger"
	"estat-capture/internal/metrics"
	"estat-capture/internal/persistence"
	"estat-capture/internal/ratelimit"
	"estat-capture/internal/retry"
	"estat-capture/internal/server"
	"estat-capture/internal/transport"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version 은 ldflags 로 주입된다.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Capture relay: accepts events over HTTP and delivers them to the collector",
		SilenceUsage: true,
		Version:      Version,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			logger.Init(cfg)
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "YAML config file (env CONFIG_FILE)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http_addr")
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 백그라운드 작업 (prober, dead-letter 보관) 은 client shutdown 이 끝날 때까지
	// ctx 보다 오래 산다
	bg, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	clock := clockwork.NewRealClock()
	m := metrics.New()

	// ====================================================================
	// Persistence: session id, trigger 활성화 marker
	// ====================================================================
	var store persistence.Store = persistence.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := persistence.NewRedisStore(persistence.RedisConfig{
			Addr:   cfg.RedisAddr,
			Prefix: cfg.RedisPrefix,
			TTL:    cfg.SessionMaxLength,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rs.Close()
		store = rs
	}

	// ====================================================================
	// Dead letters: retry queue 가 포기한 요청
	// ====================================================================
	var deadLetters retry.DeadLetterSink
	if cfg.DLQDir != "" {
		var archiver deadletter.Archiver
		if cfg.ArchiveBucket != "" {
			a, err := deadletter.NewS3Archiver(ctx, cfg, m)
			if err != nil {
				return err
			}
			archiver = a
		}

		dlq, err := deadletter.New(deadletter.Options{
			Dir:          cfg.DLQDir,
			InstanceID:   cfg.InstanceID,
			MaxAge:       cfg.DLQMaxAge,
			MaxSizeBytes: cfg.DLQMaxSizeBytes,
			Prefix:       cfg.ArchivePrefix,
			Archiver:     archiver,
			Clock:        clock,
			Metrics:      m,
		})
		if err != nil {
			return err
		}
		deadLetters = dlq
		go dlq.Run(bg, time.Second)
	}

	// ====================================================================
	// 네트워크 상태: collector TCP probe → retry queue
	// ====================================================================
	network := retry.NewBus()
	if probeAddr, err := hostPort(cfg.APIHost); err != nil {
		log.Warn().Err(err).Msg("network prober disabled")
	} else {
		prober := retry.NewProber(probeAddr, cfg.NetworkProbeInterval, network, clock)
		go prober.Run(bg)
	}

	// ====================================================================
	// 전송 pipeline
	// ====================================================================
	sender := transport.NewSender(transport.Options{
		Client:            &http.Client{},
		Clock:             clock,
		Metrics:           m,
		Version:           cfg.Version,
		CaptureIP:         cfg.CaptureIP,
		KeepAliveMaxBytes: cfg.KeepAliveMaxBytes,
		DefaultTimeout:    cfg.RequestTimeout,
	})
	quota := ratelimit.NewRateLimiter(clock, m)
	queue := retry.NewQueue(retry.Options{
		Sender:       sender,
		Clock:        clock,
		Metrics:      m,
		Network:      network,
		Quota:        quota,
		DeadLetters:  deadLetters,
		PollInterval: cfg.RetryPollInterval,
		Concurrency:  cfg.RetryFlushConcurrency,
	})

	client, err := capture.New(capture.Options{
		Config:  cfg,
		Metrics: m,
		Clock:   clock,
		Store:   store,
		Sender:  sender,
		Queue:   queue,
		Quota:   quota,
	})
	if err != nil {
		return err
	}
	client.Start()

	go func() {
		if err := client.LoadRemoteConfig(ctx); err != nil {
			log.Warn().Err(err).Msg("remote config unavailable, recording stays buffered")
		}
	}()

	// ====================================================================
	// HTTP
	// ====================================================================
	h := server.NewHandler(cfg, m, client)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      h.Routes(),
		ReadTimeout:  8 * time.Second,
		WriteTimeout: 8 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("http server terminated")
	}

	// ====================================================================
	// Graceful shutdown
	//  1. HTTP 요청 수신 중단
	//  2. pipeline drain
	//  3. retry queue 를 beacon 으로 전송
	// ====================================================================
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := client.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("capture shutdown")
	}
	cancelBG()

	log.Info().Msg("shutdown complete")
	return runErr
}

// hostPort 는 collector URL 을 dial 가능한 host:port 로 바꾼다.
func hostPort(apiHost string) (string, error) {
	u, err := url.Parse(apiHost)
	if err != nil {
		return "", fmt.Errorf("parse api host %q: %w", apiHost, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("api host %q has no host", apiHost)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
