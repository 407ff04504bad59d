// Package cmd wires the mangamark CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mangamark",
		Short: "Bookmark service for manga pages on external sites.",
		Long: `mangamark lets authenticated users bookmark manga pages. A background
worker visits each submitted page with a shared headless browser, extracts a
title and cover thumbnail, and persists the result together with an audit log
of every scrape attempt.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default reads MANGAMARK_* environment variables)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
