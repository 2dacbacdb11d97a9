// Package main is the fieldops command: the local API server the UI shell
// talks to, plus maintenance commands over the offline queue.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldops/internal/app"
	"github.com/kimhsiao/fieldops/internal/config"
	"github.com/kimhsiao/fieldops/internal/logging"
)

var (
	cfgFile  string
	dataDir  string
	logLevel string
	pretty   bool

	cfg *config.Config
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldops",
		Short: "Offline-first sync core for construction field operations",
		Long: `fieldops keeps project data available on the job site without a
connection. Changes made offline are queued durably and replayed in order
once the backend is reachable again.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("data-dir") {
				loaded.DataDir = dataDir
			}
			if cmd.Flags().Changed("log-level") {
				loaded.Log.Level = logLevel
			}
			if cmd.Flags().Changed("pretty") {
				loaded.Log.Pretty = pretty
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			logging.Init(logging.Options{
				Out:    os.Stderr,
				Level:  logging.ParseLevel(loaded.Log.Level),
				Pretty: loaded.Log.Pretty,
			})
			cfg = loaded
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "fieldops.yaml", "config file")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory of the local database")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-readable log output")

	root.AddCommand(serveCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(queueCmd())
	root.AddCommand(demoCmd())
	return root
}

// openApp opens the core with the loaded configuration. Callers must Close
// the result.
func openApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	return app.Open(ctx, cfg, opts...)
}
