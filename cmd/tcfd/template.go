package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const configTemplate = `# tcfd agent configuration
id = "tcfd.local"
name = "tcfd"
addr = ":1534"
websocket_addr = ":1535"
websocket_path = "/tcf"
admin_addr = "127.0.0.1:7070"
admin_token = "change-me"
cors_origins = ["http://localhost:3000"]
diagnostics_tests = []
probe_interval = "30s"
sweep_interval = "5s"

channel_pending_limit = 32
channel_peer_retention = "60s"
channel_trace = false
channel_assert_dispatch = false

transport_security_mode = "development"
transport_tls_enabled = false

[[peers]]
id = "board"
name = "Target board"
transport = "TCP"
host = "127.0.0.1"
port = "1540"
`

// writeTemplate writes the sample config to path, refusing to replace an
// existing file unless overwrite is set.
func writeTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(configTemplate), 0o600)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate tcfd.toml",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a sample config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := writeTemplate(args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a config and report the first error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadAgentConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: id=%s addr=%s peers=%d\n", cfg.ID, cfg.ListenAddr, len(cfg.Peers))
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
