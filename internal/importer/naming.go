package importer

import (
	"context"
	"fmt"

	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/metric"
	"github.com/ajitpratap0/vdf/pkg/vdf"
	"go.uber.org/zap"
)

// maxSuffix bounds the search for a free collection name
const maxSuffix = 10000

// resolveCollection picks the target collection for a manifest index and
// creates it unless an existing one is reused
func (e *Engine) resolveCollection(ctx context.Context, index string, ns vdf.NamespaceMeta, log *zap.Logger) (string, error) {
	name := index
	if renamed, ok := e.cfg.IndexRename[index]; ok && renamed != "" {
		name = renamed
	}
	if n, ok := e.dst.(core.NameNormalizer); ok {
		name = n.NormalizeName(name)
	}

	if _, exists := e.existing[name]; exists {
		if e.cfg.Reuse {
			if err := e.checkReuse(ctx, name, ns); err != nil {
				return "", err
			}
			log.Info("reusing existing collection", zap.String("collection", name))
			return name, nil
		}
		free, err := e.freeName(name)
		if err != nil {
			return "", err
		}
		log.Info("collection exists, importing under a new name",
			zap.String("requested", name), zap.String("collection", free))
		name = free
	}

	vendorMetric, err := metric.Denormalize(ns.Metric, e.dst.Slug())
	if err != nil {
		return "", err
	}

	spec := core.CollectionSpec{
		Name:          name,
		Dimensions:    ns.Dimensions,
		Metric:        vendorMetric,
		VectorColumns: ns.VectorColumns,
	}
	err = e.retry.Execute(ctx, func(ctx context.Context) error {
		return e.dst.CreateCollection(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	e.existing[name] = struct{}{}
	log.Info("collection created",
		zap.String("collection", name),
		zap.Int("dimensions", spec.Dimensions),
		zap.String("metric", vendorMetric))
	return name, nil
}

// freeName appends _1, _2, ... to base until the name is unused
func (e *Engine) freeName(base string) (string, error) {
	for i := 1; i <= maxSuffix; i++ {
		candidate := fmt.Sprintf("%s_%d", base, i)
		if _, exists := e.existing[candidate]; !exists {
			return candidate, nil
		}
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "no free collection name derived from %s", base)
}

// checkReuse verifies that an existing collection can hold ns
func (e *Engine) checkReuse(ctx context.Context, name string, ns vdf.NamespaceMeta) error {
	d, ok := e.dst.(core.CollectionDescriber)
	if !ok {
		return nil
	}
	stats, err := d.DescribeCollection(ctx, name)
	if err != nil {
		return err
	}
	if stats.Dimensions != ns.Dimensions {
		return errors.Newf(errors.ErrorTypeSchemaMismatch,
			"collection %s has %d dimensions, export has %d", name, stats.Dimensions, ns.Dimensions).
			WithDetail("collection", name)
	}
	return nil
}
