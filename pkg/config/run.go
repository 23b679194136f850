package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

// Defaults shared by the CLI and the engines
const (
	DefaultFlushThresholdMB = 1024
	DefaultPageSize         = 1000
	DefaultBatchSize        = 1000
	DefaultWorkers          = 5
	DefaultChunkFormat      = "parquet"
)

// ExportConfig configures one export run
type ExportConfig struct {
	Source BackendConfig `yaml:"source" json:"source"`

	// Indexes to export; empty exports every collection of the source
	Indexes []string `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	// Namespaces restricts export to these namespaces; empty exports all
	Namespaces []string `yaml:"namespaces,omitempty" json:"namespaces,omitempty"`

	// OutputDir is the parent folder of the run directory
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	// ChunkFormat is "parquet" or "arrow"
	ChunkFormat string `yaml:"chunk_format" json:"chunk_format"`
	// FlushThresholdMB is the buffered size that triggers a chunk flush
	FlushThresholdMB int `yaml:"flush_threshold_mb" json:"flush_threshold_mb"`
	// MemoryAware lowers the flush threshold to half of available memory
	MemoryAware bool `yaml:"memory_aware" json:"memory_aware"`
	// PageSize is the number of records fetched per call
	PageSize int `yaml:"page_size" json:"page_size"`

	// AllowMark lets id discovery tag records in the source with a marker
	AllowMark bool `yaml:"allow_mark" json:"allow_mark"`
	// MaxDiscoveryRounds overrides the computed round cap when positive
	MaxDiscoveryRounds int `yaml:"max_discovery_rounds" json:"max_discovery_rounds"`
	// Seed makes discovery's random queries reproducible when non-zero
	Seed int64 `yaml:"seed" json:"seed"`

	ModelName string `yaml:"model_name" json:"model_name"`
	Author    string `yaml:"author" json:"author"`
}

// NewExportConfig creates an ExportConfig with defaults
func NewExportConfig(source *BackendConfig) *ExportConfig {
	return &ExportConfig{
		Source:           *source,
		OutputDir:        ".",
		ChunkFormat:      DefaultChunkFormat,
		FlushThresholdMB: DefaultFlushThresholdMB,
		PageSize:         DefaultPageSize,
		Author:           os.Getenv("USER"),
	}
}

// FlushThresholdBytes returns the flush ceiling in bytes
func (c *ExportConfig) FlushThresholdBytes() int64 {
	return int64(c.FlushThresholdMB) * 1024 * 1024
}

// Validate validates the export configuration
func (c *ExportConfig) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return err
	}
	if c.OutputDir == "" {
		return errors.New(errors.ErrorTypeConfig, "output_dir is required")
	}
	if c.PageSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "page_size must be positive")
	}
	if c.FlushThresholdMB <= 0 {
		return errors.New(errors.ErrorTypeConfig, "flush_threshold_mb must be positive")
	}
	switch strings.ToLower(c.ChunkFormat) {
	case "parquet", "arrow":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unsupported chunk_format %q", c.ChunkFormat)
	}
	return nil
}

// Args returns the run arguments hashed into the run directory name
func (c *ExportConfig) Args() map[string]string {
	args := map[string]string{
		"source":     c.Source.Type,
		"indexes":    strings.Join(c.Indexes, ","),
		"namespaces": strings.Join(c.Namespaces, ","),
		"page_size":  strconv.Itoa(c.PageSize),
		"flush_mb":   strconv.Itoa(c.FlushThresholdMB),
		"chunk":      c.ChunkFormat,
		"allow_mark": strconv.FormatBool(c.AllowMark),
		"model_name": c.ModelName,
		"output_dir": c.OutputDir,
	}
	for k, v := range c.Source.Options {
		args["opt."+k] = v
	}
	return args
}

// ImportConfig configures one import run
type ImportConfig struct {
	Target BackendConfig `yaml:"target" json:"target"`

	// Dir is the VDF run directory to import
	Dir string `yaml:"dir" json:"dir"`

	// BatchSize is the initial upsert batch size
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Parallel submits batches to a bounded worker pool when the target allows it
	Parallel bool `yaml:"parallel" json:"parallel"`
	// Workers bounds the upsert pool
	Workers int `yaml:"workers" json:"workers"`

	// Reuse imports into an existing collection of the same name
	Reuse bool `yaml:"reuse" json:"reuse"`
	// IndexRename maps manifest index names to target collection names
	IndexRename map[string]string `yaml:"index_rename" json:"index_rename"`
	// Indexes restricts import to these manifest indexes
	Indexes []string `yaml:"indexes,omitempty" json:"indexes,omitempty"`

	// IDs is an explicit allowlist of record ids
	IDs []string `yaml:"ids,omitempty" json:"ids,omitempty"`
	// IDFile names a file with one allowlisted id per line
	IDFile string `yaml:"id_file" json:"id_file"`
	// IDRange is an inclusive integer range "lo:hi"; either end may be empty
	IDRange string `yaml:"id_range" json:"id_range"`
}

// NewImportConfig creates an ImportConfig with defaults
func NewImportConfig(target *BackendConfig) *ImportConfig {
	return &ImportConfig{
		Target:      *target,
		BatchSize:   DefaultBatchSize,
		Workers:     DefaultWorkers,
		IndexRename: make(map[string]string),
	}
}

// Validate validates the import configuration
func (c *ImportConfig) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.Dir == "" {
		return errors.New(errors.ErrorTypeConfig, "dir is required")
	}
	if c.BatchSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "batch_size must be positive")
	}
	if c.Workers <= 0 {
		return errors.New(errors.ErrorTypeConfig, "workers must be positive")
	}
	if c.IDRange != "" {
		if _, err := ParseIDRange(c.IDRange); err != nil {
			return err
		}
	}
	return nil
}

// IDRange is an inclusive range of integer ids
type IDRange struct {
	Lo    uint64
	Hi    uint64
	HasLo bool
	HasHi bool
}

// Contains reports whether n lies in the range
func (r IDRange) Contains(n uint64) bool {
	if r.HasLo && n < r.Lo {
		return false
	}
	if r.HasHi && n > r.Hi {
		return false
	}
	return true
}

// ParseIDRange parses "lo:hi", "lo:" or ":hi"
func ParseIDRange(s string) (IDRange, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return IDRange{}, errors.Newf(errors.ErrorTypeConfig, "id range %q must look like lo:hi", s)
	}

	var r IDRange
	var err error
	if lo = strings.TrimSpace(lo); lo != "" {
		if r.Lo, err = strconv.ParseUint(lo, 10, 64); err != nil {
			return IDRange{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid id range start")
		}
		r.HasLo = true
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		if r.Hi, err = strconv.ParseUint(hi, 10, 64); err != nil {
			return IDRange{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid id range end")
		}
		r.HasHi = true
	}
	if r.HasLo && r.HasHi && r.Lo > r.Hi {
		return IDRange{}, errors.Newf(errors.ErrorTypeConfig, "id range %q is empty", s)
	}
	return r, nil
}
