package main

import (
	"fmt"

	"beamhost/internal/appversion"
	"beamhost/internal/config"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root beamhost command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "beamhost",
		Short:         "Host runtime for the laser-cutting design tool",
		Long:          "beamhost supervises the machine-control worker and the monitor daemon,\nand manages the content surfaces of the host window.",
		Version:       fmt.Sprintf("beamhost %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (.yaml, .yml or .toml); default <home>/config.yaml")

	cmd.AddCommand(
		newRunCmd(&configPath),
		newLogsCmd(&configPath),
		newStatusCmd(&configPath),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig loads path, or the config file found in the state directory
// when path is empty, and resolves the state file locations.
func loadConfig(path string) (*config.Config, config.Paths, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, config.Paths{}, err
	}
	paths, err := cfg.Paths()
	if err != nil {
		return nil, config.Paths{}, fmt.Errorf("resolve paths: %w", err)
	}
	if path != "" {
		return cfg, paths, nil
	}

	file := config.DefaultFile(paths.Home)
	if file == "" {
		return cfg, paths, nil
	}
	if cfg, err = config.Load(file); err != nil {
		return nil, config.Paths{}, err
	}
	if paths, err = cfg.Paths(); err != nil {
		return nil, config.Paths{}, fmt.Errorf("resolve paths: %w", err)
	}
	return cfg, paths, nil
}

// newVersionCmd creates the "beamhost version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the beamhost version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := "beamhost " + appversion.String()
			if rev := appversion.Revision(); rev != "" {
				out += " (" + rev + ")"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
		},
	}
}
