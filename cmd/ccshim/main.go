package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/ccshim/internal/config"
	"github.com/danmuck/ccshim/internal/logging"
	"github.com/danmuck/ccshim/internal/shim"
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ccshim: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ccshim",
		Short:         "Chaincode process that registers with a peer and serves the kvstore contract",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStartCmd(), newVersionCmd(), newConfigCmd())
	return root
}

func newStartCmd() *cobra.Command {
	var src sources
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to the peer and serve transactions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(src, os.Getenv)
			if err != nil {
				return err
			}
			lcfg, err := cfg.Logging()
			if err != nil {
				return err
			}
			logger := logging.NewWithConfig(lcfg, "ccshim")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info().
				Str("chaincode", cfg.ID).
				Str("peer", cfg.PeerAddress).
				Str("version", version).
				Msg("ccshim.start")
			err = run(ctx, cfg, logger)
			if errors.Is(err, shim.ErrFatalProtocol) {
				logger.Fatal().Err(err).Msg("ccshim.start protocol violation")
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&src.configPath, "config", "", "chaincode config file (toml)")
	flags.StringVar(&src.overridesPath, "overrides", "", "sparse overrides file layered over --config")
	flags.StringVar(&src.peerAddress, "peer.address", "", "peer chaincode listener address")
	flags.StringVar(&src.chaincodeID, "chaincode-id-name", "", "chaincode id to register as")
	flags.StringVar(&src.metricsAddr, "metrics-addr", "", "admin and metrics listen address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate chaincode config files",
	}

	var kind string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, args[0])
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "chaincode", "template kind: chaincode|production")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadChaincodeConfig(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Transport().Validate(); err != nil {
				return err
			}
			if _, err := cfg.Logging(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated config at %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

