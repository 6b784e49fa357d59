package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"mt5session/internal/account"
	"mt5session/internal/config"
	"mt5session/internal/logger"
	"mt5session/internal/session"
)

var (
	statusJSONFlag   bool
	statusMemoryFlag bool
	statusTimeout    time.Duration
)

type terminalReport struct {
	Terminal        string                      `json:"terminal"`
	Version         int                         `json:"version"`
	Build           int                         `json:"build"`
	Type            string                      `json:"type,omitempty"`
	ServerConnected bool                        `json:"server_connected"`
	ServerTime      time.Time                   `json:"server_time"`
	Account         *account.StaticAccountInfo  `json:"account,omitempty"`
	Summary         *account.DynamicAccountInfo `json:"summary,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect once and report terminal and account state",
	Long: `Status performs the handshake, queries the terminal for its type, broker
connectivity, server time and account details, prints them and disconnects.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.GetLogger("status")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		s, err := sessionFactory(cfg, statusMemoryFlag, nil, nil)(cfg.Identity())
		if err != nil {
			return err
		}
		defer s.Stop()

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		if err := s.Start(ctx); err != nil {
			return err
		}

		report, err := collectReport(ctx, s)
		if err != nil {
			return err
		}
		log.Debug().Str("terminal", report.Terminal).Msg("Status collected")

		if statusJSONFlag {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		}

		cmd.Printf("Terminal: %s\n", report.Terminal)
		cmd.Printf("Version: %d build %d\n", report.Version, report.Build)
		if report.Type != "" {
			cmd.Printf("Type: %s\n", report.Type)
		}
		cmd.Printf("Broker connected: %t\n", report.ServerConnected)
		if !report.ServerTime.IsZero() {
			cmd.Printf("Server time: %s\n", report.ServerTime.Format(time.RFC3339))
		}
		if report.Account != nil {
			cmd.Printf("Account: %s (%s) %s, leverage 1:%d\n",
				report.Account.Login, report.Account.Name, report.Account.Currency, report.Account.Leverage)
		}
		if report.Summary != nil {
			cmd.Printf("Balance: %.2f  Equity: %.2f  Free margin: %.2f\n",
				report.Summary.Balance, report.Summary.Equity, report.Summary.MarginFree)
		}
		return nil
	},
}

// collectReport fails only when the terminal stops answering; a command the
// terminal does not support leaves its field empty
func collectReport(ctx context.Context, s *session.Session) (*terminalReport, error) {
	log := logger.GetLogger("status")
	info := s.Status().Connection

	report := &terminalReport{
		Terminal: s.Identity().String(),
		Version:  info.Terminal.Version,
		Build:    info.Terminal.Build,
	}

	ok, err := account.CheckConnection(ctx, s)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn().Msg("Terminal did not confirm the connection check")
	}

	if report.Type, err = account.TerminalType(ctx, s); err != nil {
		log.Debug().Err(err).Msg("Terminal type unavailable")
	}
	if report.ServerConnected, err = account.TerminalServerConnected(ctx, s); err != nil {
		log.Debug().Err(err).Msg("Broker connectivity unavailable")
	}
	if report.ServerTime, err = account.ServerTime(ctx, s); err != nil {
		log.Debug().Err(err).Msg("Server time unavailable")
	}
	if report.Account, err = account.GetStaticAccountInfo(ctx, s); err != nil {
		log.Debug().Err(err).Msg("Account info unavailable")
	}
	if report.Summary, err = account.GetDynamicAccountInfo(ctx, s); err != nil {
		log.Debug().Err(err).Msg("Account summary unavailable")
	}
	return report, nil
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONFlag, "json", false, "Print the report as JSON")
	statusCmd.Flags().BoolVar(&statusMemoryFlag, "memory", false, "Use an in-process terminal instead of the configured one")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 30*time.Second, "Overall deadline for the report")
}
