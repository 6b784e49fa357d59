package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"mt5session/cmd/cli"
	"mt5session/internal/account"
	"mt5session/internal/config"
	"mt5session/internal/logger"
	"mt5session/internal/session"
)

var (
	watchMemoryFlag bool
	watchRefresh    time.Duration
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"cli"},
	Short:   "Open a live dashboard of the terminal session",
	Long: `Watch connects to the configured terminal and renders a live dashboard of
the connection state, request traffic, subscriptions and account figures.
Reconnects are shown as they happen.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// the dashboard owns the screen
		if !verbose {
			logger.SetSilentMode(true)
		}
		log := logger.GetLogger("watch")

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file %s not found, run \"mt5session config generate\" first", configPath)
		}
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		sessions := session.NewRegistry()
		defer sessions.StopAll()

		s, err := sessions.Get(cfg.Identity(), sessionFactory(cfg, watchMemoryFlag, nil, nil))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		err = s.Start(ctx)
		cancel()
		if err != nil {
			return err
		}

		log.Info().Str("terminal", s.Identity().String()).Msg("Starting dashboard")

		summary := func(ctx context.Context) (*account.DynamicAccountInfo, error) {
			return account.GetDynamicAccountInfo(ctx, s)
		}
		if err := cli.StartDashboard(s, summary, watchRefresh); err != nil {
			log.Error().Err(err).Msg("Failed to start dashboard")
			return err
		}
		return s.Err()
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchMemoryFlag, "memory", false, "Use an in-process terminal instead of the configured one")
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", time.Second, "Dashboard refresh interval")
}
