// Package custodyd wires the wallet lifecycle engine into a long running
// daemon with an operator admin API.
package custodyd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"custodyfleet/crypto"
	"custodyfleet/crypto/passphrase"
	"custodyfleet/observability"
	"custodyfleet/observability/logging"
	telemetry "custodyfleet/observability/otel"
	"custodyfleet/services/custodyd/chain"
	"custodyfleet/services/custodyd/guard"
	"custodyfleet/services/custodyd/lifecycle"
	"custodyfleet/services/custodyd/notify"
	"custodyfleet/services/custodyd/retry"
	"custodyfleet/services/custodyd/store"
)

// Main initialises and runs the custody daemon.
func Main() error {
	var cfgPath, keygenPath string
	flag.StringVar(&cfgPath, "config", "", "path to custodyd configuration (environment only when empty)")
	flag.StringVar(&keygenPath, "keygen", "", "write a new encrypted operator keystore to this path and exit")
	flag.Parse()

	if keygenPath != "" {
		return generateKeystore(keygenPath)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("custodyd", cfg.Environment, logging.Options{
		Level: logging.ParseLevel(cfg.Log.Level),
		File: logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		},
	})

	shutdownTelemetry, err := initTelemetry(cfg.Environment)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	records, err := store.Open(store.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = records.Close() }()

	operator, err := crypto.LoadOperatorKey(crypto.KeySource{
		PrivateKey:   cfg.Chain.OperatorKey,
		KeystorePath: cfg.Chain.Keystore,
		Passphrase:   passphrase.NewSource(cfg.Chain.PassphraseEnv).Get,
	})
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gateway, closeRPC, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, chain.Config{
		Token:            common.HexToAddress(cfg.Chain.Token),
		Custodian:        common.HexToAddress(cfg.Chain.Custodian),
		Operator:         operator.PrivateKey,
		Confirmations:    cfg.Chain.Confirmations,
		PollInterval:     cfg.Chain.PollInterval.Duration,
		GasBufferPercent: cfg.Chain.GasBufferPercent,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer closeRPC()
	if cfg.Chain.ChainID != 0 && gateway.ChainID().Cmp(big.NewInt(cfg.Chain.ChainID)) != 0 {
		return fmt.Errorf("rpc reports chain id %s, configured %d", gateway.ChainID(), cfg.Chain.ChainID)
	}
	logger.Info("chain gateway ready",
		slog.String("rpc", logging.MaskURL(cfg.Chain.RPCURL)),
		slog.String("chain_id", gateway.ChainID().String()),
		slog.String("operator", gateway.Operator().Hex()),
		slog.String("custodian", gateway.Custodian().Hex()))

	settings, err := cfg.EngineSettings()
	if err != nil {
		return err
	}
	metrics := observability.Custodyd()
	executor := retry.New(
		retry.WithRetries(cfg.Retry.Retries),
		retry.WithBaseDelay(cfg.Retry.BaseDelay.Duration),
		retry.WithMaxDelay(cfg.Retry.MaxDelay.Duration),
		retry.WithLogger(logger),
		retry.WithObserver(metrics),
	)

	var (
		channels notify.Fanout
		webhook  *notify.WebhookChannel
	)
	channels = append(channels, notify.NewLogChannel(logger))
	if cfg.Notify.Webhook.URL != "" {
		webhook, err = notify.NewWebhookChannel(notify.WebhookConfig{
			URL:           cfg.Notify.Webhook.URL,
			Secret:        cfg.Notify.Webhook.Secret,
			QueueSize:     cfg.Notify.Webhook.QueueSize,
			MaxAttempts:   cfg.Notify.Webhook.MaxAttempts,
			RatePerSecond: cfg.Notify.Webhook.RatePerSecond,
			Burst:         cfg.Notify.Webhook.Burst,
			Timeout:       cfg.Notify.Webhook.Timeout.Duration,
		}, logger, metrics)
		if err != nil {
			return fmt.Errorf("init webhook: %w", err)
		}
		channels = append(channels, webhook)
		logger.Info("webhook notifications enabled",
			slog.String("url", logging.MaskURL(cfg.Notify.Webhook.URL)),
			logging.MaskField("secret", cfg.Notify.Webhook.Secret))
	}

	dedup := guard.NewDeduplicator(cfg.Dedup.Window.Duration, cfg.Dedup.Horizon.Duration)
	engine, err := lifecycle.New(records, gateway, settings,
		lifecycle.WithNotifier(channels),
		lifecycle.WithLocks(guard.NewWalletLocks(cfg.LockWait.Duration)),
		lifecycle.WithDeduplicator(dedup),
		lifecycle.WithRetry(executor),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	sentinel := lifecycle.NewSentinel(engine, cfg.Sentinel.Interval.Duration,
		lifecycle.WithImmediateTick(cfg.Sentinel.Immediate))

	authenticator, err := NewAuthenticator(AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWTSecret,
		JWTIssuer:   cfg.Admin.JWTIssuer,
		JWTAudience: cfg.Admin.JWTAudience,
		AllowMTLS:   cfg.Admin.MTLS.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init admin auth: %w", err)
	}
	adminOpts := AdminOptions{
		Auth:    authenticator,
		Limiter: NewRateLimiter(cfg.Admin.RatePerSecond, cfg.Admin.Burst),
		Logger:  logger,
	}
	if webhook != nil {
		adminOpts.Pending = webhook.Pending
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      NewAdminServer(engine, sentinel, records, adminOpts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.Policy.ConfirmTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if !cfg.Admin.TLS.Disable {
		tlsConfig, err := adminTLSConfig(cfg.Admin)
		if err != nil {
			return err
		}
		httpServer.TLSConfig = tlsConfig
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(stopCtx)
	group.Go(func() error {
		if err := sentinel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		dedup.Run(ctx, cfg.Dedup.Window.Duration)
		return nil
	})
	if webhook != nil {
		group.Go(func() error {
			webhook.Run(ctx)
			return nil
		})
	}
	group.Go(func() error {
		logger.Info("custodyd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.Duration("sentinel_interval", cfg.Sentinel.Interval.Duration))
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS(cfg.Admin.TLS.CertPath, cfg.Admin.TLS.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})

	err = group.Wait()
	logger.Info("custodyd stopped")
	return err
}

func initTelemetry(env string) (func(context.Context) error, error) {
	return telemetry.Init(context.Background(), telemetry.ConfigFromEnv("custodyd", env, os.LookupEnv))
}

func adminTLSConfig(cfg AdminConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if !cfg.MTLS.Enabled {
		return tlsConfig, nil
	}
	pool := x509.NewCertPool()
	if cfg.MTLS.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.MTLS.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client ca %s contains no certificates", cfg.MTLS.ClientCAPath)
		}
	}
	tlsConfig.ClientCAs = pool
	// Bearer clients may still connect without a certificate.
	tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	return tlsConfig, nil
}

// generateKeystore creates a fresh operator key and writes it encrypted.
func generateKeystore(path string) error {
	secret, err := passphrase.NewSource("CUSTODYD_KEYSTORE_PASSPHRASE", passphrase.WithConfirmation()).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(path, key, secret); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(os.Stdout, "operator %s written to %s\n", key.Address().Hex(), path)
	return nil
}
