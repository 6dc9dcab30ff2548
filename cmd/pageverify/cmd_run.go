package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pinchtab/pageverify/internal/browser"
	"github.com/pinchtab/pageverify/internal/config"
	"github.com/pinchtab/pageverify/internal/verify"
	"github.com/spf13/cobra"
)

// newLauncher is replaced in tests.
var newLauncher = browser.New

type runFlags struct {
	check    string
	url      string
	out      string
	driver   string
	headless bool
	cdpURL   string
}

func newRunCmd() *cobra.Command {
	var f runFlags

	c := &cobra.Command{
		Use:   "run",
		Short: "Run a verification check and save its screenshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFor(f.check)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}
			// VERIFY_DEBUG is only known once the config is loaded
			if cfg.Debug {
				setupLogging(cmd.ErrOrStderr(), true)
			}

			l, err := newLauncher(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v := verify.New(cfg, l, cmd.OutOrStdout())
			if _, err := v.Run(ctx); err != nil {
				return &failedError{err: err}
			}
			return nil
		},
	}

	c.Flags().StringVarP(&f.check, "check", "c", "", "Check to run: login|dashboard (default login)")
	c.Flags().StringVar(&f.url, "url", "", "Target URL (overrides the check preset)")
	c.Flags().StringVarP(&f.out, "out", "o", "", "Output directory for screenshots and report.json")
	c.Flags().StringVar(&f.driver, "driver", "", "Browser driver: chromedp|rod")
	c.Flags().BoolVar(&f.headless, "headless", true, "Run the browser headless")
	c.Flags().StringVar(&f.cdpURL, "cdp-url", "", "Attach to a running browser instead of launching one")
	return c
}

// apply lays explicitly set flags over the loaded configuration.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.RuntimeConfig) error {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Check.URL = f.url
	}
	if flags.Changed("out") {
		cfg.OutputDir = f.out
	}
	if flags.Changed("driver") {
		cfg.Driver = f.driver
	}
	if flags.Changed("headless") {
		cfg.Headless = f.headless
	}
	if flags.Changed("cdp-url") {
		cfg.CdpURL = f.cdpURL
	}
	if flags.Changed("debug") {
		cfg.Debug = true
	}
	return cfg.Validate()
}

