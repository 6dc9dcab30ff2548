package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pinchtab/pageverify/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	c.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return c
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.Print(cmd.OutOrStdout())
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var (
		path  string
		force bool
	)
	c := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = config.DefaultConfig
				if p := os.Getenv("VERIFY_CONFIG"); p != "" {
					path = p
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.WriteFile(path, config.DefaultFileConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file created at %s\n", path)
			return nil
		},
	}
	c.Flags().StringVar(&path, "path", "", "Where to write the file (.json, .yaml or .yml)")
	c.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return c
}
