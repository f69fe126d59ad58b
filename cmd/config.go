package cmd

import (
	"fmt"
	"os"

	"github.com/arlonbr/llmgate/pkg/config"
	"github.com/spf13/cobra"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print or initialize the server configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configServerPath); err != nil {
				if !os.IsNotExist(err) {
					return fmt.Errorf("stat config: %w", err)
				}
				if err := config.Save(configServerPath, config.NewDefaultServerConfig()); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", configServerPath)
				return nil
			}
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", configServerPath)
			fmt.Fprintf(cmd.OutOrStdout(), "listen_addr: %s\n", cfg.ListenAddr)
			fmt.Fprintf(cmd.OutOrStdout(), "key_file: %s\n", cfg.KeyFile)
			fmt.Fprintf(cmd.OutOrStdout(), "upstream: %s\n", cfg.HTTPClient.BaseURL)
			return nil
		},
	}

	configCmd.Flags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
