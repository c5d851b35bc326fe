package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/onair"
	"github.com/loykin/onair/internal/auth"
	"github.com/loykin/onair/pkg/client"
)

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "admin API base URL (default: derived from the config server section)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "admin API request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate used to verify an HTTPS admin API")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&f.User, "api-user", "", "admin API username")
	cmd.Flags().StringVar(&f.Password, "api-password", "", "admin API password (default $ONAIR_API_PASSWORD)")
	cmd.Flags().StringVar(&f.Token, "api-token", "", "admin API bearer token (default $ONAIR_API_TOKEN)")
}

// newAPIClient resolves the admin API address. An explicit --api-url wins
// over the config file.
func newAPIClient(relayFlags *RelayFlags, apiFlags *APIFlags) (*client.Client, error) {
	base := apiFlags.APIUrl
	if base == "" {
		cfg, err := onair.LoadConfig(relayFlags.ConfigPath)
		if err != nil {
			return nil, err
		}
		base = apiURLFromConfig(cfg.Server)
	}
	cc := client.Config{
		BaseURL:  base,
		Timeout:  apiFlags.APITimeout,
		Insecure: apiFlags.Insecure,
		Username: apiFlags.User,
		Password: firstNonEmpty(apiFlags.Password, os.Getenv("ONAIR_API_PASSWORD")),
		Token:    firstNonEmpty(apiFlags.Token, os.Getenv("ONAIR_API_TOKEN")),
	}
	if apiFlags.CACert != "" {
		cc.TLS = &client.TLSClientConfig{CACert: apiFlags.CACert}
	}
	return client.New(cc)
}

func createStatusCommand(relayFlags *RelayFlags, apiFlags *APIFlags) *cobra.Command {
	var processes bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(relayFlags, apiFlags)
			if err != nil {
				return err
			}
			if processes {
				samples, err := c.Processes(cmd.Context())
				if err != nil {
					return fmt.Errorf("processes: %w", err)
				}
				printJSON(cmd.OutOrStdout(), samples)
				return nil
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	cmd.Flags().BoolVar(&processes, "processes", false, "show CPU and memory samples of the external processes")
	return cmd
}

func createRestartCommand(relayFlags *RelayFlags, apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart [input|output|fallback]",
		Short: "Restart a running relay or one of its components",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(relayFlags, apiFlags)
			if err != nil {
				return err
			}
			target := ""
			if len(args) == 1 {
				target = args[0]
			}
			if err := c.Restart(cmd.Context(), target); err != nil {
				if client.IsNotRunning(err) {
					return errors.New("relay is not running")
				}
				if client.IsUnauthorized(err) {
					return fmt.Errorf("restart: not permitted: %w", err)
				}
				return fmt.Errorf("restart: %w", err)
			}
			if target == "" {
				target = "relay"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restart of %s requested\n", target)
			return nil
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func createProbeCommand(relayFlags *RelayFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <file>",
		Short: "Print duration and timing information of a media file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := onair.LoadConfig(relayFlags.ConfigPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			info, err := onair.Probe(ctx, cfg.Commands.Probe, args[0])
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), info)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "give up probing after this long")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "onair %s\n", version)
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for server.auth.users password_hash",
		Long: `Print a bcrypt hash for a server.auth.users entry. Without an argument
the password is read from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			h, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}
