package main

import (
	"fmt"

	"github.com/ajitpratap0/vdf/internal/export"
	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/registry"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export collections into a VDF run directory",
		Long: `Export reads every selected collection and namespace of a source backend and
writes them as chunk files plus a manifest into a new run directory below
--output-dir.

Example:
  vdf export --source qdrant -o host=localhost --index products --output-dir ./exports
  vdf export --config export.yaml --memory-aware`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := exportConfig(bind(cmd))
			if err != nil {
				return err
			}
			return runExport(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "YAML export configuration; flags override its values")
	addBackendFlags(fs, "source")
	fs.StringSlice("index", nil, "collection to export, repeatable (default all)")
	fs.StringSlice("namespace", nil, "namespace to export, repeatable (default all)")
	fs.String("output-dir", ".", "parent directory of the run directory")
	fs.String("format", config.DefaultChunkFormat, "chunk format: parquet or arrow")
	fs.Int("flush-threshold-mb", config.DefaultFlushThresholdMB, "buffered megabytes that trigger a chunk flush")
	fs.Bool("memory-aware", false, "cap the flush threshold at half of available memory")
	fs.Int("page-size", config.DefaultPageSize, "records fetched per call")
	fs.Bool("allow-mark", false, "let id discovery tag records in the source")
	fs.Int("max-rounds", 0, "cap on id discovery rounds (0 = computed)")
	fs.Int64("seed", 0, "seed for id discovery queries (0 = random)")
	fs.String("model-name", "", "embedding model recorded in the manifest")
	fs.String("author", "", "author recorded in the manifest (default $USER)")
	return cmd
}

// exportConfig builds the run configuration from an optional file and the
// flags
func exportConfig(v *viper.Viper) (*config.ExportConfig, error) {
	cfg := config.NewExportConfig(config.NewBackendConfig("source", ""))
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadExport(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyBackend(v, &cfg.Source, "source"); err != nil {
		return nil, err
	}

	if v.IsSet("index") {
		cfg.Indexes = v.GetStringSlice("index")
	}
	if v.IsSet("namespace") {
		cfg.Namespaces = v.GetStringSlice("namespace")
	}
	if v.IsSet("output-dir") {
		cfg.OutputDir = v.GetString("output-dir")
	}
	if v.IsSet("format") {
		cfg.ChunkFormat = v.GetString("format")
	}
	if v.IsSet("flush-threshold-mb") {
		cfg.FlushThresholdMB = v.GetInt("flush-threshold-mb")
	}
	if v.IsSet("memory-aware") {
		cfg.MemoryAware = v.GetBool("memory-aware")
	}
	if v.IsSet("page-size") {
		cfg.PageSize = v.GetInt("page-size")
	}
	if v.IsSet("allow-mark") {
		cfg.AllowMark = v.GetBool("allow-mark")
	}
	if v.IsSet("max-rounds") {
		cfg.MaxDiscoveryRounds = v.GetInt("max-rounds")
	}
	if v.IsSet("seed") {
		cfg.Seed = v.GetInt64("seed")
	}
	if v.IsSet("model-name") {
		cfg.ModelName = v.GetString("model-name")
	}
	if v.IsSet("author") {
		cfg.Author = v.GetString("author")
	}
	return cfg, cfg.Validate()
}

func runExport(cmd *cobra.Command, cfg *config.ExportConfig) error {
	ctx := cmd.Context()
	log := logger.With(zap.String("component", "cli"), zap.String("source", cfg.Source.Type))

	src, err := registry.CreateSource(&cfg.Source)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(ctx); err != nil {
			log.Warn("failed to close source", zap.Error(err))
		}
	}()

	engine, err := export.New(src, cfg)
	if err != nil {
		return err
	}
	summary, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run directory: %s\n", summary.Dir)
	fmt.Fprintf(out, "records exported: %d\n", summary.Manifest.TotalExported())
	if len(summary.LeakedMarkers) > 0 {
		fmt.Fprintf(out, "records still carrying a discovery marker: %d\n", len(summary.LeakedMarkers))
	}
	for _, f := range summary.Failures {
		fmt.Fprintf(out, "failed: %s/%s: %v\n", f.Index, f.Namespace, f.Err)
	}
	if len(summary.Failures) > 0 {
		return errors.Newf(errors.ErrorTypeData, "%d namespaces were not exported", len(summary.Failures))
	}
	return nil
}
