package main

import (
	"time"

	"github.com/danmuck/tcfchan/internal/logging"
	"github.com/danmuck/tcfchan/internal/transport"
	"github.com/spf13/cobra"
)

type options struct {
	addr    string
	timeout time.Duration
	jsonOut bool

	tlsEnabled bool
	tlsCert    string
	tlsKey     string
	tlsCA      string
	serverName string
	insecure   bool
}

func (o *options) transportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.ConnectTimeout = o.timeout
	cfg.TLS = transport.TLSConfig{
		Enabled:            o.tlsEnabled,
		Mutual:             o.tlsCert != "",
		CertFile:           o.tlsCert,
		KeyFile:            o.tlsKey,
		CAFile:             o.tlsCA,
		ServerName:         o.serverName,
		InsecureSkipVerify: o.insecure,
	}
	return cfg
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "tcfctl",
		Short: "tcfctl - TCF channel client",
		Long: `tcfctl opens a TCF channel to an agent and runs one operation.

  tcfctl services             List the agent's services
  tcfctl echo <text>          Round-trip text through Diagnostics.echo
  tcfctl peers                List peers known to the agent's Locator
  tcfctl redirect <peer-id>   Redirect the channel and list the new services`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", "127.0.0.1:1534", "agent host:port, or a ws:// or wss:// URL")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "connect and reply timeout")
	flags.BoolVar(&opts.jsonOut, "json", false, "output as JSON")
	flags.BoolVar(&opts.tlsEnabled, "tls", false, "connect with TLS")
	flags.StringVar(&opts.tlsCert, "tls-cert", "", "client certificate for mutual TLS")
	flags.StringVar(&opts.tlsKey, "tls-key", "", "client key for mutual TLS")
	flags.StringVar(&opts.tlsCA, "tls-ca", "", "CA bundle used to verify the agent")
	flags.StringVar(&opts.serverName, "tls-server-name", "", "expected agent certificate name")
	flags.BoolVar(&opts.insecure, "tls-insecure", false, "skip agent certificate verification")

	root.AddCommand(
		newServicesCmd(opts),
		newEchoCmd(opts),
		newPeersCmd(opts),
		newRedirectCmd(opts),
	)
	return root
}
