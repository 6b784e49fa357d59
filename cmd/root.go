package cmd

import (
	"github.com/spf13/cobra"
	"mt5session/internal/logger"
)

var (
	verbose    bool
	configPath string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "mt5session",
	Short: "mt5session - MetaTrader 5 terminal session manager",
	Long: `mt5session keeps a supervised connection to a MetaTrader 5 terminal.
It performs the version handshake, multiplexes requests and subscriptions over
the connection, reconnects when the terminal goes away and replays every
subscription afterwards.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.SetFormat(logFormat); err != nil {
			return err
		}
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mt5session.yml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logger.FORMAT_CONSOLE, "Log output format: console or json")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
}
