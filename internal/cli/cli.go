// Package cli provides the flotillad command tree.
//
//	flotillad run    -c <config>   start the fleet supervisor
//	flotillad status -c <config>   list in-flight job markers
//	flotillad version              print the build version
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flotilla-sh/flotilla/internal/config"
	"github.com/flotilla-sh/flotilla/internal/loader"
	"github.com/flotilla-sh/flotilla/internal/metrics"
	"github.com/flotilla-sh/flotilla/internal/procdir"
	"github.com/flotilla-sh/flotilla/internal/supervisor"
)

var log = slog.Default()

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "flotillad",
		Short: "flotillad: a fleet supervisor for agentless devices",
		Long: `flotillad represents a pool of virtual agents, one per managed device
that cannot run its own agent: it receives jobs from a controller,
filters them per device, executes matching work, and reports back.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c",
		"/etc/flotilla/flotillad.yaml", "path to the yaml config file")

	rootCmd.AddCommand(runCommand(&configFile))
	rootCmd.AddCommand(statusCommand(&configFile))
	rootCmd.AddCommand(versionCommand())
	return rootCmd
}

func runCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the fleet supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			collector := metrics.NewCollector()
			if opts.Metrics.Enabled {
				go func() {
					log.Info("Metrics server listening", "port", opts.Metrics.Port)
					if err := collector.StartServer(opts.Metrics.Port); err != nil {
						log.Error("Metrics server failed", "error", err)
					}
				}()
			}

			ctx := context.Background()
			sup, err := supervisor.Start(ctx, opts, supervisor.Deps{Metrics: collector})
			if err != nil {
				return fmt.Errorf("start supervisor: %w", err)
			}

			// SIGINT/SIGTERM begin the grace-then-force teardown.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("Signal received, shutting down", "signal", sig.String())

			sup.Shutdown(ctx)
			return nil
		},
	}
}

func statusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List in-flight job markers for every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			printMarkers(opts.ID, opts.CacheDir)
			for _, id := range opts.Fleet.IDs {
				printMarkers(id, filepath.Join(opts.CacheDir, "proxies", id))
			}
			return nil
		},
	}
}

func printMarkers(id, cacheDir string) {
	markers, err := procdir.New(cacheDir).List()
	if err != nil {
		fmt.Printf("%s: cannot read proc dir: %v\n", id, err)
		return
	}
	if len(markers) == 0 {
		fmt.Printf("%s: no jobs in flight\n", id)
		return
	}
	for _, m := range markers {
		fmt.Printf("%s: jid=%s fun=%s started=%s\n",
			id, m.JID, m.Fun, m.Started.Format("2006-01-02 15:04:05"))
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("flotillad", loader.Version)
		},
	}
}
