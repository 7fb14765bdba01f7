package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/mailward/mailward/internal/api"
	"github.com/mailward/mailward/internal/config"
	"github.com/mailward/mailward/internal/db"
	"github.com/mailward/mailward/internal/dispatch"
	"github.com/mailward/mailward/internal/dkim"
	"github.com/mailward/mailward/internal/engage"
	"github.com/mailward/mailward/internal/lifecycle"
	"github.com/mailward/mailward/internal/metrics"
	"github.com/mailward/mailward/internal/ratelimit"
	"github.com/mailward/mailward/internal/repository"
	"github.com/mailward/mailward/internal/resolver"
	"github.com/mailward/mailward/internal/scheduler"
	"github.com/mailward/mailward/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delivery engine",
	RunE:  runServe,
}

var configFile string

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/mailward/mailward.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Setup logger
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.Logging.Level),
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: parseLogLevel(cfg.Logging.Level),
		})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	m := metrics.New()
	metrics.SetGlobal(m)

	// Campaign store
	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		return err
	}

	// Bucket levels and the event dedup set share one bbolt file
	state, err := bolt.Open(cfg.Database.StatePath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer state.Close()

	campaigns := repository.NewCampaignRepository(database.DB)
	recipients := repository.NewRecipientRepository(database.DB)
	contacts := repository.NewContactRepository(database.DB)
	templates := repository.NewTemplateRepository(database.DB)
	suppressions := repository.NewSuppressionRepository(database.DB)

	res := resolver.New(contacts, suppressions, recipients, logger)
	lc := lifecycle.New(campaigns, recipients, res, logger)

	limiter, err := ratelimit.NewLimiter(state, &cfg.RateLimit)
	if err != nil {
		return err
	}
	defer limiter.Stop()

	sender, err := buildSender(cfg, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(campaigns, recipients, contacts, templates, suppressions,
		lc, limiter, sender, cfg.Dispatch, cfg.Tracking.BaseURL, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	dedup, err := engage.NewDedup(state, cfg.Events.DedupRetention)
	if err != nil {
		return err
	}
	dedup.StartSweeper(cfg.Events.SweepInterval)
	defer dedup.Stop()

	processor := engage.NewProcessor(campaigns, recipients, suppressions, dedup, logger)

	sched := scheduler.New(campaigns, recipients, res, lc, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		ClaimTimeout: cfg.Scheduler.ClaimTimeout,
	}, logger)
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(&api.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		APIKey:         cfg.Auth.APIKey,
		WebhookSecrets: cfg.Events.WebhookSecrets,
	}, lc, res, dispatcher, processor,
		campaigns, recipients, suppressions, contacts, templates, m, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildSender wires the configured transport, with DKIM when enabled
func buildSender(cfg *config.Config, logger *slog.Logger) (transport.Sender, error) {
	switch cfg.Transport.Mode {
	case "relay":
		return transport.NewRelaySender(&cfg.Transport.Relay, logger), nil
	default:
		s := transport.NewSMTPSender(&cfg.Transport.SMTP, logger)
		if cfg.DKIM.Enabled {
			signer, err := dkim.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
			if err != nil {
				return nil, err
			}
			s.SetDKIMSigner(signer)
		}
		return s, nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
