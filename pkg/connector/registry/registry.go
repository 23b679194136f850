package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"go.uber.org/zap"
)

// Registry manages backend registration and instantiation
type Registry struct {
	sources map[string]SourceFactory
	targets map[string]TargetFactory
	infos   map[string]*BackendInfo
	mu      sync.RWMutex
	logger  *zap.Logger
}

// SourceFactory creates a source adapter from its configuration
type SourceFactory func(cfg *config.BackendConfig) (core.Source, error)

// TargetFactory creates a target adapter from its configuration
type TargetFactory func(cfg *config.BackendConfig) (core.Target, error)

// BackendInfo describes a registered backend for the CLI listing
type BackendInfo struct {
	Slug         string   `json:"slug"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	// Options documents the keys read from BackendConfig.Options
	Options map[string]string `json:"options,omitempty"`
}

var globalRegistry = NewRegistry()

// NewRegistry creates a new backend registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		targets: make(map[string]TargetFactory),
		infos:   make(map[string]*BackendInfo),
		logger:  logger.Get().With(zap.String("component", "backend_registry")),
	}
}

// RegisterSource registers a source factory under slug
func (r *Registry) RegisterSource(slug string, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[slug]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source backend %s already registered", slug))
	}

	r.sources[slug] = factory
	r.logger.Debug("source backend registered", zap.String("slug", slug))
	return nil
}

// RegisterTarget registers a target factory under slug
func (r *Registry) RegisterTarget(slug string, factory TargetFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.targets[slug]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("target backend %s already registered", slug))
	}

	r.targets[slug] = factory
	r.logger.Debug("target backend registered", zap.String("slug", slug))
	return nil
}

// RegisterInfo records descriptive information about a backend
func (r *Registry) RegisterInfo(info *BackendInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos[info.Slug] = info
}

// CreateSource creates a source adapter for cfg.Type
func (r *Registry) CreateSource(cfg *config.BackendConfig) (core.Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, exists := r.sources[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source backend %s not found", cfg.Type)).
			WithDetail("available", r.ListSources())
	}

	source, err := factory(cfg)
	if err != nil {
		return nil, wrapFactoryError(err, "source", cfg.Type)
	}

	return source, nil
}

// CreateTarget creates a target adapter for cfg.Type
func (r *Registry) CreateTarget(cfg *config.BackendConfig) (core.Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, exists := r.targets[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("target backend %s not found", cfg.Type)).
			WithDetail("available", r.ListTargets())
	}

	target, err := factory(cfg)
	if err != nil {
		return nil, wrapFactoryError(err, "target", cfg.Type)
	}

	return target, nil
}

// factory errors keep a connection classification so the CLI exit code
// tells a bad config from an unreachable backend
func wrapFactoryError(err error, direction, slug string) error {
	errType := errors.ErrorTypeConfig
	if errors.IsType(err, errors.ErrorTypeConnection) {
		errType = errors.ErrorTypeConnection
	}
	return errors.Wrap(err, errType, fmt.Sprintf("failed to create %s backend %s", direction, slug))
}

// ListSources returns the sorted slugs of registered sources
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for slug := range r.sources {
		sources = append(sources, slug)
	}
	sort.Strings(sources)
	return sources
}

// ListTargets returns the sorted slugs of registered targets
func (r *Registry) ListTargets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.targets))
	for slug := range r.targets {
		targets = append(targets, slug)
	}
	sort.Strings(targets)
	return targets
}

// Infos returns the descriptions of every backend, sorted by slug. Backends
// registered without an info get a bare entry.
func (r *Registry) Infos() []*BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]*BackendInfo)
	for slug, info := range r.infos {
		seen[slug] = info
	}
	for slug := range r.sources {
		if _, ok := seen[slug]; !ok {
			seen[slug] = &BackendInfo{Slug: slug}
		}
	}
	for slug := range r.targets {
		if _, ok := seen[slug]; !ok {
			seen[slug] = &BackendInfo{Slug: slug}
		}
	}

	out := make([]*BackendInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// HasSource checks if a source backend is registered
func (r *Registry) HasSource(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[slug]
	return exists
}

// HasTarget checks if a target backend is registered
func (r *Registry) HasTarget(slug string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.targets[slug]
	return exists
}

// Clear removes all registered backends (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sources = make(map[string]SourceFactory)
	r.targets = make(map[string]TargetFactory)
	r.infos = make(map[string]*BackendInfo)
}

// Global registry functions

// RegisterSource registers a source backend in the global registry
func RegisterSource(slug string, factory SourceFactory) error {
	return globalRegistry.RegisterSource(slug, factory)
}

// RegisterTarget registers a target backend in the global registry
func RegisterTarget(slug string, factory TargetFactory) error {
	return globalRegistry.RegisterTarget(slug, factory)
}

// RegisterInfo records backend information in the global registry
func RegisterInfo(info *BackendInfo) {
	globalRegistry.RegisterInfo(info)
}

// CreateSource creates a source adapter from the global registry
func CreateSource(cfg *config.BackendConfig) (core.Source, error) {
	return globalRegistry.CreateSource(cfg)
}

// CreateTarget creates a target adapter from the global registry
func CreateTarget(cfg *config.BackendConfig) (core.Target, error) {
	return globalRegistry.CreateTarget(cfg)
}

// ListSources returns registered sources from the global registry
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListTargets returns registered targets from the global registry
func ListTargets() []string {
	return globalRegistry.ListTargets()
}

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}
