// Package vdf moves vector collections between vector stores through a
// portable on-disk format.
//
// An export reads every selected collection and namespace of a source
// backend and writes a run directory: parquet or Arrow chunk files plus a
// VDF_META.json manifest describing dimensions, metric, model and counts.
// An import replays a run directory into a target backend, creating
// collections with the target's own metric names.
//
// # Quick Start
//
//	vdf export --source qdrant -o host=localhost --index products --output-dir ./exports
//	vdf inspect --verify ./exports/vdf_20240102_150405_3f2a1
//	vdf import ./exports/vdf_20240102_150405_3f2a1 --target pgvector -o dsn=postgres://localhost/vectors
//	vdf push ./exports/vdf_20240102_150405_3f2a1 s3://bucket/runs --compress zstd
//
// # Key Packages
//
//	internal/export     - Export engine: page streaming, id discovery, chunk flushing
//	internal/discovery  - Id discovery through similarity search
//	internal/importer   - Import engine: adaptive batches, renames, id filters
//	pkg/connector       - Backend interfaces, registry and adapters
//	pkg/formats         - Parquet and Arrow chunk codecs
//	pkg/vdf             - Manifest, run layout and validation
//	pkg/metric          - Metric names across backends
//	pkg/storage         - Run upload and download (file, s3, gcs, minio)
//	pkg/compression     - Run archives (gzip, lz4, zstd, s2)
//	pkg/errors          - Error taxonomy driving retry and shrink decisions
//	pkg/logger          - Structured logging
//	pkg/metrics         - Prometheus metrics
//	pkg/observability   - Tracing
//
// # Reliability
//
// Every backend call goes through a rate limiter and a retry policy. Fetches
// and upserts that fail with size or rate errors are retried with a smaller
// page or batch, down to one percent of the initial size. A namespace that
// still fails is recorded in the run summary and the run continues with the
// next one.
//
// # Configuration
//
// Runs are configured by YAML files, flags or VDF_ environment variables,
// in increasing order of precedence. ${VAR_NAME} references in YAML files
// are expanded from the environment.
package vdf
