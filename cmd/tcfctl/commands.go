package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"

	"github.com/danmuck/tcfchan/internal/peer"
	"github.com/danmuck/tcfchan/internal/services/diagnostics"
	"github.com/spf13/cobra"
)

// withSession connects, runs fn, and closes the channel.
func withSession(cmd *cobra.Command, opts *options, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	s, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printServices(w io.Writer, opts *options, names []string) error {
	if opts.jsonOut {
		return printJSON(w, names)
	}
	for _, name := range names {
		fmt.Fprintln(w, name)
	}
	return nil
}

func newServicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services announced in the agent's Hello",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				names, err := s.remoteServices(ctx)
				if err != nil {
					return err
				}
				return printServices(cmd.OutOrStdout(), opts, names)
			})
		},
	}
}

func newEchoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "echo <text>...",
		Short: "Send Diagnostics.echo and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				reply, err := echo(ctx, s, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
}

func echo(ctx context.Context, s *session, text string) (string, error) {
	var reply string
	err := s.call(ctx, func(done func(error)) {
		diagnostics.Echo(s.ch, text, func(r string, err error) {
			reply = r
			done(err)
		})
	})
	return reply, err
}

func newPeersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List peers known to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				loc, err := s.locator(ctx)
				if err != nil {
					return err
				}
				var list []map[string]string
				if err := s.disp.InvokeAndWait(ctx, func() {
					for _, p := range loc.Peers() {
						list = append(list, p.Attributes())
					}
				}); err != nil {
					return err
				}
				return printPeers(cmd.OutOrStdout(), opts, list)
			})
		},
	}
}

func printPeers(w io.Writer, opts *options, list []map[string]string) error {
	if opts.jsonOut {
		if list == nil {
			list = []map[string]string{}
		}
		return printJSON(w, list)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tADDRESS")
	for _, attrs := range list {
		addr := ""
		if attrs[peer.AttrHost] != "" {
			addr = net.JoinHostPort(attrs[peer.AttrHost], attrs[peer.AttrPort])
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", attrs[peer.AttrID], attrs[peer.AttrName], attrs[peer.AttrTransportName], addr)
	}
	return tw.Flush()
}

func newRedirectCmd(opts *options) *cobra.Command {
	var echoText string
	cmd := &cobra.Command{
		Use:   "redirect <peer-id>",
		Short: "Redirect the channel through the agent to another peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				if _, err := s.locator(ctx); err != nil {
					return err
				}
				var redirectErr error
				if err := s.disp.InvokeAndWait(ctx, func() {
					redirectErr = s.ch.RedirectToPeer(args[0])
				}); err != nil {
					return err
				}
				if redirectErr != nil {
					return fmt.Errorf("redirect to %s: %w", args[0], redirectErr)
				}
				if err := s.waitOpen(ctx); err != nil {
					return fmt.Errorf("redirect to %s: %w", args[0], err)
				}
				names, err := s.remoteServices(ctx)
				if err != nil {
					return err
				}
				if err := printServices(cmd.OutOrStdout(), opts, names); err != nil {
					return err
				}
				if echoText == "" {
					return nil
				}
				reply, err := echo(ctx, s, echoText)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&echoText, "echo", "", "send Diagnostics.echo to the new peer")
	return cmd
}
