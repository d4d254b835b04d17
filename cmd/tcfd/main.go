package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/tcfchan/internal/agent"
	"github.com/danmuck/tcfchan/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "tcfd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "tcfd",
		Short:         "TCF agent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			observability.InitLogger("tcfd")
			cfg := agent.DefaultConfig()
			if configPath != "" {
				loaded, err := loadAgentConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			a, err := agent.New(cfg)
			if err != nil {
				return err
			}
			log.Info().Str("agent", a.ID()).Str("listen", cfg.ListenAddr).Str("websocket", cfg.WebSocketAddr).Str("admin", cfg.AdminAddr).Msg("tcfd starting")
			return a.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to tcfd.toml")
	cmd.AddCommand(newConfigCmd())
	return cmd
}
