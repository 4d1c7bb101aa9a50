// Command relay runs the syslog relay service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaylabs/syslog-relay/internal/config"
	"github.com/relaylabs/syslog-relay/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "syslog-relay: listen, filter, transform, and forward syslog traffic",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newExportCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "load a configuration file and run the relay until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the relay configuration file")
	return cmd
}

func runRelay(configPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("config load failed", "path", configPath, "err", err)
		return fmt.Errorf("load config: %w", err)
	}

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Error("orchestrator construction failed", "err", err)
		return fmt.Errorf("construct orchestrator: %w", err)
	}

	if err := orch.RunForever(context.Background()); err != nil {
		logger.Error("fatal runtime error", "err", err)
		return err
	}
	return nil
}

// notImplemented returns a cobra RunE that reports a subcommand as an
// out-of-scope collaborator rather than missing functionality: the
// subcommand exists so the binary's surface matches a complete CLI, but
// its implementation (config scaffolding, traffic replay, third-party
// config export) is not part of this build.
func notImplemented(name string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: not implemented in this build\n", name)
		return fmt.Errorf("%s: not implemented", name)
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "scaffold a new configuration file (not implemented in this build)",
		RunE:  notImplemented("init"),
	}
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "replay sample traffic through a configuration without a live listener (not implemented in this build)",
		RunE:  notImplemented("simulate"),
	}
}

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "load and validate a configuration file without starting the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the relay configuration file")
	return cmd
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "convert a configuration file to a third-party relay's config format (not implemented in this build)",
		RunE:  notImplemented("export"),
	}
}
