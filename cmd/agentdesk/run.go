package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/audio"
	"github.com/LifeShieldMedicalAlerts/crm/internal/auth"
	"github.com/LifeShieldMedicalAlerts/crm/internal/backend"
	"github.com/LifeShieldMedicalAlerts/crm/internal/backoff"
	"github.com/LifeShieldMedicalAlerts/crm/internal/billing"
	"github.com/LifeShieldMedicalAlerts/crm/internal/config"
	"github.com/LifeShieldMedicalAlerts/crm/internal/control"
	"github.com/LifeShieldMedicalAlerts/crm/internal/controlchannel"
	"github.com/LifeShieldMedicalAlerts/crm/internal/customer"
	"github.com/LifeShieldMedicalAlerts/crm/internal/desk"
	"github.com/LifeShieldMedicalAlerts/crm/internal/disposition"
	"github.com/LifeShieldMedicalAlerts/crm/internal/hydrator"
	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/LifeShieldMedicalAlerts/crm/internal/metrics"
	"github.com/LifeShieldMedicalAlerts/crm/internal/sip"
	"github.com/LifeShieldMedicalAlerts/crm/internal/store"
	"github.com/LifeShieldMedicalAlerts/crm/internal/telephony"
	"github.com/LifeShieldMedicalAlerts/crm/pkg/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the desk core and the local control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
}

// loadConfig reads the environment and applies flag overrides and the log
// level
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.controlAddr != "" {
		cfg.ControlAddr = opts.controlAddr
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger := log.Logger
	clock := clockwork.NewRealClock()
	m := metrics.Get()

	logger.Info().
		Str("env", cfg.Env).
		Str("control_addr", cfg.ControlAddr).
		Str("sip_server", cfg.SIPServer).
		Str("log_level", cfg.LogLevel).
		Msg("starting agent desk")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Identity
	var refresher auth.Refresher
	if cfg.CognitoClientID != "" {
		r, err := auth.NewCognitoRefresher(ctx, cfg.CognitoRegion, cfg.CognitoClientID)
		if err != nil {
			return err
		}
		refresher = r
	}
	tokens := auth.NewProvider(refresher, auth.Tokens{IDToken: cfg.IDToken, RefreshToken: cfg.RefreshToken}, clock, logger)

	jwksURL := ""
	if cfg.VerifyJWTSignature {
		jwksURL = cfg.JWKSURL
	}
	verifier, err := auth.NewVerifier(jwksURL, clock)
	if err != nil {
		return err
	}
	claims, err := tokens.Identity(ctx, verifier)
	if err != nil {
		return fmt.Errorf("failed to resolve identity: %w", err)
	}

	api := backend.NewClient(cfg.APIBaseURL, tokens, logger)
	api.OnSessionExpired(func() {
		logger.Error().Msg("session expired, sign in again")
	})

	profile, err := api.FetchAgentConfig(ctx, claims.UserID())
	if err != nil {
		return fmt.Errorf("failed to fetch agent config: %w", err)
	}
	logger.Info().Str("agent_id", profile.AgentID).Str("user", claims.UserID()).Msg("agent profile loaded")

	st, err := store.OpenSQLite(ctx, cfg.StatePath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Telephony
	source := media.NewALSASource(cfg.AsoundPath, cfg.DeviceWatchPath, logger)
	adapter, err := sip.NewAdapter(sip.Config{
		Server:         cfg.SIPServer,
		Domain:         cfg.SIPDomain,
		RegisterExpiry: cfg.SIPRegisterExpiry,
		KeepAlive:      cfg.SIPKeepAliveInterval,
	}, logger)
	if err != nil {
		return err
	}
	phone := telephony.NewManager(adapter, source, telephony.NewLogTones(logger), telephony.Options{
		Domain:  cfg.SIPDomain,
		Policy:  backoff.Signaling,
		Clock:   clock,
		Metrics: m,
	}, logger)

	// Presence
	presence := controlchannel.NewClient(controlchannel.Options{
		URL:               cfg.ControlChannelURL,
		AgentID:           profile.AgentID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxAuthRetries:    cfg.MaxAuthRetries,
		Policy:            backoff.ControlChannel,
		Clock:             clock,
		Metrics:           m,
	}, tokens, logger)

	devices := audio.NewManager(source, st, phone, m, logger)

	d := desk.New(desk.Deps{
		Telephony: phone,
		Presence:  presence,
		Hydrator:  hydrator.New(api, m, logger),
		Governor: disposition.NewGovernor(api, presence, phone, disposition.Options{
			AgentID: profile.AgentID,
			Clock:   clock,
			Metrics: m,
		}, logger),
		Audio:     devices,
		Customers: customer.NewWriter(api, clock, cfg.CustomerUpdateDebounce, cfg.TrainingQueue, logger),
		Billing:   billing.NewService(api, backend.ReasonOf, logger),
		Store:     st,
		Metrics:   m,
		Clock:     clock,
		Agent:     profile,
		SignOut:   tokens.SignOut,
	}, logger)

	go phone.Run(ctx)
	go presence.Run(ctx)
	go d.Run(ctx)

	if err := devices.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore device selection")
	}
	if _, err := devices.RequestPermission(ctx); err != nil {
		logger.Warn().Err(err).Msg("microphone unavailable, calls disabled until permission is granted")
	}
	if profile.HasCredentials() {
		creds := telephony.Credentials{Username: profile.AgentID, Password: profile.SIPPassword}
		if err := phone.RegisterEndpoint(ctx, creds); err != nil {
			logger.Warn().Err(err).Msg("telephony registration deferred")
		}
	} else {
		logger.Warn().Msg("agent profile has no SIP credentials, telephony disabled")
	}

	watcher := audio.NewWatcher(cfg.DeviceWatchPath, audio.DefaultSettle, clock, logger)
	go func() {
		err := watcher.Run(ctx, func() {
			if err := devices.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("device refresh failed")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("device watcher stopped")
		}
	}()

	srv := &http.Server{
		Addr:         cfg.ControlAddr,
		Handler:      newRouter(cfg, control.NewAPI(d, m.Handler(), logger).Handler(), m),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ControlAddr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("control API failed: %w", err)
	}

	logger.Info().Msg("shutting down agent desk...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("control API forced to shut down")
	}
	if err := phone.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to stop telephony")
	}
	presence.Close()
	cancel()

	logger.Info().Msg("agent desk stopped")
	return nil
}

// newRouter wraps the control routes in the request middleware
func newRouter(cfg *config.Config, routes http.Handler, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(middleware.Metrics(m))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Mount("/", routes)
	return r
}
