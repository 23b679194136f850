// Command vdf exports vector collections into VDF run directories and
// imports them into another vector store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/metrics"
	"github.com/ajitpratap0/vdf/pkg/observability"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// backends and storage schemes register themselves
	_ "github.com/ajitpratap0/vdf/pkg/connector/backends/memory"
	_ "github.com/ajitpratap0/vdf/pkg/connector/backends/pgvector"
	_ "github.com/ajitpratap0/vdf/pkg/connector/backends/qdrant"
	_ "github.com/ajitpratap0/vdf/pkg/storage/gcs"
	_ "github.com/ajitpratap0/vdf/pkg/storage/minio"
	_ "github.com/ajitpratap0/vdf/pkg/storage/s3"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		shutdownTracing observability.ShutdownFunc
		stopMetrics     context.CancelFunc
	)

	root := &cobra.Command{
		Use:   "vdf",
		Short: "Move vector collections between vector stores",
		Long: `vdf exports collections from a vector store into a portable run directory
(parquet or Arrow chunks plus a JSON manifest) and imports such a directory
into another store, translating metrics, names and batch sizes on the way.

Every flag can also be set through a VDF_ environment variable, e.g.
VDF_LOG_LEVEL=debug or VDF_PAGE_SIZE=500.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := bind(cmd)
			if err := logger.Init(logger.Config{
				Level:    v.GetString("log-level"),
				Encoding: v.GetString("log-format"),
			}); err != nil {
				return err
			}

			var err error
			shutdownTracing, err = observability.InitTracing(observability.TracingConfig{
				ServiceName:    "vdf",
				ServiceVersion: version,
				Output:         v.GetString("trace-output"),
			})
			if err != nil {
				return err
			}

			if addr := v.GetString("metrics-addr"); addr != "" {
				var mctx context.Context
				mctx, stopMetrics = context.WithCancel(cmd.Context())
				go func() {
					if err := metrics.Serve(mctx, addr); err != nil {
						logger.Get().Error("metrics endpoint failed", zap.String("addr", addr), zap.Error(err))
					}
				}()
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if stopMetrics != nil {
				stopMetrics()
			}
			if shutdownTracing != nil {
				if err := shutdownTracing(context.Background()); err != nil {
					return err
				}
			}
			_ = logger.Sync()
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "console", "log encoding (console or json)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	pf.String("trace-output", "", "write trace spans to stderr, stdout or a file")

	root.AddCommand(
		newExportCommand(),
		newImportCommand(),
		newPushCommand(),
		newPullCommand(),
		newInspectCommand(),
		newListCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "vdf v%s (manifest %s)\n", version, vdf.Version)
				fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return root
}
