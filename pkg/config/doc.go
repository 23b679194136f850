// Package config provides the configuration for VDF export and import runs.
//
// Every backend adapter receives one BackendConfig. Export and import runs
// wrap that with their own settings:
//   - ExportConfig: source backend, indexes and namespaces, output folder,
//     chunk format and flush ceiling, page size, discovery options
//   - ImportConfig: target backend, VDF folder, batch size, parallelism,
//     collision policy and id filters
//
// Example usage:
//
//	cfg := config.NewExportConfig(config.NewBackendConfig("src", "qdrant"))
//	cfg.Source.Options["host"] = "localhost"
//	cfg.PageSize = 500
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Loading
//
// Run configurations are YAML files. Values may reference the environment
// with ${VAR_NAME} or ${VAR_NAME:-fallback}; substitution happens before
// parsing, so secrets never need to be written to disk:
//
//	source:
//	  type: qdrant
//	  options:
//	    host: ${QDRANT_HOST:-localhost}
//	    port: "6334"
//	  security:
//	    api_key: ${QDRANT_API_KEY}
//	indexes: [products]
//	page_size: 500
//
//	cfg, err := config.LoadExport("export.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Fields missing from the file keep the defaults of NewExportConfig and
// NewImportConfig. The vdf CLI layers flags and VDF_* environment variables
// on top through viper.
package config
