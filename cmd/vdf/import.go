package main

import (
	"fmt"
	"sort"

	"github.com/ajitpratap0/vdf/internal/importer"
	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/registry"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import [run-dir]",
		Short: "Import a VDF run directory into a target backend",
		Long: `Import replays every namespace of a run directory into a target backend.
Collections are created with the target's own metric name; an existing
collection of the same name is left alone and the import goes to name_1,
name_2 and so on unless --reuse is given.

Example:
  vdf import ./exports/vdf_20240102_150405_3f2a1 --target pgvector -o dsn=postgres://localhost/vectors
  vdf import --config import.yaml --parallel --workers 8`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := importConfig(bind(cmd), args)
			if err != nil {
				return err
			}
			return runImport(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.String("config", "", "YAML import configuration; flags override its values")
	addBackendFlags(fs, "target")
	fs.String("dir", "", "run directory to import (or pass it as the argument)")
	fs.Int("batch-size", config.DefaultBatchSize, "initial upsert batch size")
	fs.Bool("parallel", false, "upsert through a bounded worker pool when the target allows it")
	fs.Int("workers", config.DefaultWorkers, "size of the upsert worker pool")
	fs.Bool("reuse", false, "import into existing collections of the same name")
	fs.StringSlice("rename", nil, "index rename as old=new, repeatable")
	fs.StringSlice("index", nil, "manifest index to import, repeatable (default all)")
	fs.StringSlice("ids", nil, "only import these record ids")
	fs.String("id-file", "", "file with one record id per line to import")
	fs.String("id-range", "", "inclusive integer id range lo:hi; either end may be empty")
	return cmd
}

func importConfig(v *viper.Viper, args []string) (*config.ImportConfig, error) {
	cfg := config.NewImportConfig(config.NewBackendConfig("target", ""))
	if path := v.GetString("config"); path != "" {
		loaded, err := config.LoadImport(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyBackend(v, &cfg.Target, "target"); err != nil {
		return nil, err
	}

	if len(args) > 0 {
		cfg.Dir = args[0]
	} else if v.IsSet("dir") {
		cfg.Dir = v.GetString("dir")
	}
	if v.IsSet("batch-size") {
		cfg.BatchSize = v.GetInt("batch-size")
	}
	if v.IsSet("parallel") {
		cfg.Parallel = v.GetBool("parallel")
	}
	if v.IsSet("workers") {
		cfg.Workers = v.GetInt("workers")
	}
	if v.IsSet("reuse") {
		cfg.Reuse = v.GetBool("reuse")
	}
	if v.IsSet("rename") {
		renames, err := parseOptions(v.GetStringSlice("rename"))
		if err != nil {
			return nil, err
		}
		if cfg.IndexRename == nil {
			cfg.IndexRename = make(map[string]string)
		}
		for from, to := range renames {
			cfg.IndexRename[from] = to
		}
	}
	if v.IsSet("index") {
		cfg.Indexes = v.GetStringSlice("index")
	}
	if v.IsSet("ids") {
		cfg.IDs = v.GetStringSlice("ids")
	}
	if v.IsSet("id-file") {
		cfg.IDFile = v.GetString("id-file")
	}
	if v.IsSet("id-range") {
		cfg.IDRange = v.GetString("id-range")
	}
	return cfg, cfg.Validate()
}

func runImport(cmd *cobra.Command, cfg *config.ImportConfig) error {
	ctx := cmd.Context()
	log := logger.With(zap.String("component", "cli"), zap.String("target", cfg.Target.Type))

	dst, err := registry.CreateTarget(&cfg.Target)
	if err != nil {
		return err
	}
	defer func() {
		if err := dst.Close(ctx); err != nil {
			log.Warn("failed to close target", zap.Error(err))
		}
	}()

	engine, err := importer.New(dst, cfg)
	if err != nil {
		return err
	}
	summary, err := engine.Run(ctx)
	if summary != nil {
		printImportSummary(cmd, summary, engine.BatchSize())
	}
	if err != nil {
		return err
	}
	if len(summary.Failures) > 0 {
		return errors.Newf(errors.ErrorTypeData, "%d namespaces were not imported", len(summary.Failures))
	}
	return nil
}

func printImportSummary(cmd *cobra.Command, summary *importer.Summary, batchSize int) {
	out := cmd.OutOrStdout()
	indexes := make([]string, 0, len(summary.Collections))
	for index := range summary.Collections {
		indexes = append(indexes, index)
	}
	sort.Strings(indexes)
	for _, index := range indexes {
		fmt.Fprintf(out, "%s -> %s\n", index, summary.Collections[index])
	}
	fmt.Fprintf(out, "records imported: %d (final batch size %d)\n", summary.Imported, batchSize)
	for _, f := range summary.Failures {
		fmt.Fprintf(out, "failed: %s/%s: %v\n", f.Index, f.Namespace, f.Err)
	}
}
