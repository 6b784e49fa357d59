package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"mt5session/internal/account"
	"mt5session/internal/api"
	"mt5session/internal/config"
	"mt5session/internal/journal"
	"mt5session/internal/logger"
	"mt5session/internal/metrics"
	"mt5session/internal/session"
	"mt5session/internal/transport"
)

var (
	connectDebugFlag  bool
	connectMemoryFlag bool
	connectListen     string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the terminal and keep the session alive",
	Long: `Connect opens a session to the configured MetaTrader 5 terminal and keeps it
running until SIGINT or SIGTERM. The account summary stream is subscribed and
replayed after every reconnect. Status, history and Prometheus metrics are
served over HTTP when metrics.listen is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if connectDebugFlag || verbose {
			logger.SetLevel(logger.LOG_DEBUG)
		} else {
			logger.SetLevel(logger.LOG_INFO)
		}
		log := logger.GetLogger("connect")

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.SaveConfig(config.NewDefaultConfig(), configPath); err != nil {
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", configPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if connectListen != "" {
			cfg.Metrics.Listen = connectListen
		}
		if connectDebugFlag {
			cfg.Terminal.Debug = true
		}

		var collector *metrics.Collector
		if cfg.Metrics.Listen != "" {
			collector = metrics.New(cfg.Identity().String())
		}

		var db *journal.Journal
		if cfg.Journal.Path != "" {
			db, err = journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer db.Close()
		}

		sessions := session.NewRegistry()
		defer func() {
			if err := sessions.StopAll(); err != nil {
				log.Error().Err(err).Msg("Session stopped with error")
			}
		}()

		s, err := sessions.Get(cfg.Identity(), sessionFactory(cfg, connectMemoryFlag, collector, db))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		err = s.Start(ctx)
		cancel()
		if err != nil {
			return err
		}

		if err := subscribeSummary(cmd.Context(), s, cfg); err != nil {
			log.Warn().Err(err).Msg("Account summary stream not available")
		}

		if cfg.Metrics.Listen != "" {
			var options []api.Option
			if cfg.Auth.Secret != "" {
				options = append(options, api.WithAuth(api.NewTokenService(cfg.Auth.Secret, cfg.Auth.TokenExpiry), cfg.Auth.PasswordHash))
			}
			server := api.NewServer(cfg.Metrics.Listen, s, collector, db, options...)
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Stop(sctx)
			}()
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		log.Info().
			Str("terminal", cfg.Identity().String()).
			Str("session_id", s.ID()).
			Msg("Session running")

		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			return nil
		case <-s.Done():
			return s.Err()
		}
	},
}

// sessionFactory builds sessions from cfg; memory swaps the terminal for an
// in-process one
func sessionFactory(cfg *config.Config, memory bool, m *metrics.Collector, j *journal.Journal) session.Factory {
	return func(identity session.Identity) (*session.Session, error) {
		var t transport.Transport
		if memory {
			t = demoTerminal()
		} else {
			var err error
			if t, err = transport.New(cfg.TransportOptions()); err != nil {
				return nil, err
			}
		}

		opts, err := cfg.SessionOptions(t)
		if err != nil {
			return nil, err
		}
		opts.Identity = identity
		opts.Metrics = m
		opts.Journal = j
		return session.New(opts)
	}
}

func subscribeSummary(ctx context.Context, s *session.Session, cfg *config.Config) error {
	log := logger.GetLogger("connect")

	login := cfg.Credentials.Login
	if login == "" {
		info, err := account.GetStaticAccountInfo(ctx, s)
		if err != nil {
			return err
		}
		login = info.Login
	}

	_, err := account.SubscribeAccountSummary(ctx, s, login, func(info *account.DynamicAccountInfo) {
		log.Debug().
			Float64("balance", info.Balance).
			Float64("equity", info.Equity).
			Float64("margin_free", info.MarginFree).
			Msg("Account summary")
	})
	return err
}

func init() {
	connectCmd.Flags().BoolVarP(&connectDebugFlag, "debug", "d", false, "Enable debug logging of every frame")
	connectCmd.Flags().BoolVar(&connectMemoryFlag, "memory", false, "Use an in-process terminal instead of the configured one")
	connectCmd.Flags().StringVar(&connectListen, "listen", "", "Override metrics.listen")
}
