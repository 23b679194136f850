package registry

import (
	"context"
	"testing"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/connector/core"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{}

func (stubSource) Slug() string                                    { return "stub" }
func (stubSource) ListCollections(context.Context) ([]string, error) { return nil, nil }
func (stubSource) CollectionStats(context.Context, string) (*core.CollectionStats, error) {
	return &core.CollectionStats{}, nil
}
func (stubSource) FetchByIDs(context.Context, string, string, []string) (map[string]*models.Record, error) {
	return nil, nil
}
func (stubSource) Close(context.Context) error { return nil }

func TestRegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSource("stub", func(*config.BackendConfig) (core.Source, error) {
		return stubSource{}, nil
	}))

	err := r.RegisterSource("stub", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	src, err := r.CreateSource(config.NewBackendConfig("s", "stub"))
	require.NoError(t, err)
	assert.Equal(t, "stub", src.Slug())
	assert.True(t, r.HasSource("stub"))
	assert.False(t, r.HasTarget("stub"))
	assert.Equal(t, []string{"stub"}, r.ListSources())
}

func TestCreateUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateTarget(config.NewBackendConfig("t", "nope"))
	require.Error(t, err)
	assert.True(t, errors.IsRunFatal(err))

	_, err = r.CreateSource(config.NewBackendConfig("s", ""))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestFactoryConnectionErrorKeepsType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSource("down", func(*config.BackendConfig) (core.Source, error) {
		return nil, errors.New(errors.ErrorTypeConnection, "connection refused")
	}))

	_, err := r.CreateSource(config.NewBackendConfig("s", "down"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConnection, errors.TypeOf(err))
}

func TestInfos(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterSource("b", func(*config.BackendConfig) (core.Source, error) { return stubSource{}, nil }))
	r.RegisterInfo(&BackendInfo{Slug: "a", Description: "first"})

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Slug)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "b", infos[1].Slug)

	r.Clear()
	assert.Empty(t, r.Infos())
}
