package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"mt5session/internal/api"
	"mt5session/internal/config"
	"mt5session/internal/transport"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage session configuration",
	Long:  `Generate, validate or print session configuration files.`,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file for an EA terminal on localhost.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if err := config.SaveConfig(config.NewDefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", path)
		cmd.Println("Please edit the file with your terminal and broker settings.")
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a session configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", path)
		cmd.Printf("Terminal: %s\n", cfg.Identity())
		cmd.Printf("Timeout policy: %s (%s)\n", cfg.Connection.TimeoutPolicy, cfg.Connection.RequestTimeout)
		if cfg.Connection.ReconnectMaxAttempts == 0 {
			cmd.Println("Reconnect: unlimited")
		} else {
			cmd.Printf("Reconnect: %d attempts every %s\n", cfg.Connection.ReconnectMaxAttempts, cfg.Connection.ReconnectDelay)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show [config-file]",
	Short: "Print the effective configuration",
	Long:  `Print the configuration with defaults applied. Credentials are masked.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.LoadConfig(path)
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg.Masked())
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		cmd.Print(string(data))
		return nil
	},
}

var configHashPasswordCmd = &cobra.Command{
	Use:   "hash-password <password>",
	Short: "Hash an operator password for auth.password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := api.HashPassword(args[0])
		if err != nil {
			return err
		}
		cmd.Println(hash)
		return nil
	},
}

var configGenKeysCmd = &cobra.Command{
	Use:   "gen-keys",
	Short: "Generate a CurveZMQ key pair for the IPC bridge",
	Long: `Generate a client key pair for terminal.ipc_public_key and terminal.ipc_secret_key.
Set terminal.ipc_server_key to the bridge's public key to enable encryption.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := transport.GenerateCurveKeys()
		if err != nil {
			return err
		}
		cmd.Printf("ipc_public_key: %q\n", keys.PublicKey)
		cmd.Printf("ipc_secret_key: %q\n", keys.SecretKey)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGenKeysCmd)
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configHashPasswordCmd)
}
