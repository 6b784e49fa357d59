package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"mt5session/internal/config"
	"mt5session/internal/journal"
)

var (
	historyLimit int
	historyAll   bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded connection epochs",
	Long: `History prints the connection epochs recorded in the journal, newest first.
Each epoch spans one handshake until the connection was lost or stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Journal.Path == "" {
			return fmt.Errorf("journal is disabled in %s", configPath)
		}

		db, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		key := cfg.Identity().String()
		if historyAll {
			key = ""
		}

		epochs, err := db.List(cmd.Context(), key, historyLimit)
		if err != nil {
			return err
		}
		if len(epochs) == 0 {
			cmd.Println("No epochs recorded.")
			return nil
		}

		for _, e := range epochs {
			end := "open"
			if e.DisconnectedAt != nil {
				end = fmt.Sprintf("%s (%s, %s)", e.DisconnectedAt.Format(time.RFC3339), e.Reason,
					e.DisconnectedAt.Sub(e.ConnectedAt).Round(time.Second))
			}
			cmd.Printf("#%d %s %s v%d build %d  %s -> %s\n",
				e.Number, e.Session, e.Transport, e.Version, e.Build,
				e.ConnectedAt.Format(time.RFC3339), end)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of epochs to show")
	historyCmd.Flags().BoolVar(&historyAll, "all", false, "Show epochs of every terminal in the journal")
}
