package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/tierkeeper/internal/domain"
)

// stubBackend is the minimal Backend for registry tests. Only identity
// matters, so every method is a stub.
type stubBackend struct {
	Backend
	id int
}

func TestRegistryResolveCachesInstances(t *testing.T) {
	registry, err := NewRegistry(4)
	require.NoError(t, err)

	built := 0
	registry.Register("stub", func(conf *domain.StorageLocationConfiguration) (Backend, error) {
		built++
		return &stubBackend{id: built}, nil
	})

	conf := &domain.StorageLocationConfiguration{Name: "disk", BackendType: "stub"}

	first, err := registry.Resolve(conf)
	require.NoError(t, err)
	second, err := registry.Resolve(conf)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, built)

	// Invalidation forces a rebuild.
	registry.Invalidate("disk")
	third, err := registry.Resolve(conf)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.Equal(t, 2, built)
}

func TestRegistryUnknownType(t *testing.T) {
	registry, err := NewRegistry(4)
	require.NoError(t, err)

	_, err = registry.Resolve(&domain.StorageLocationConfiguration{Name: "disk", BackendType: "ghost"})
	require.Error(t, err)
	_, err = registry.Build(&domain.StorageLocationConfiguration{Name: "disk", BackendType: "ghost"})
	require.Error(t, err)
}

func TestRegistryBuildDoesNotCache(t *testing.T) {
	registry, err := NewRegistry(4)
	require.NoError(t, err)

	built := 0
	registry.Register("stub", func(conf *domain.StorageLocationConfiguration) (Backend, error) {
		built++
		return &stubBackend{id: built}, nil
	})

	conf := &domain.StorageLocationConfiguration{Name: "disk", BackendType: "stub"}
	_, err = registry.Build(conf)
	require.NoError(t, err)
	_, err = registry.Build(conf)
	require.NoError(t, err)
	require.Equal(t, 2, built)
}

func TestRegistryFactoryError(t *testing.T) {
	registry, err := NewRegistry(4)
	require.NoError(t, err)

	boom := errors.New("bad parameters")
	registry.Register("stub", func(conf *domain.StorageLocationConfiguration) (Backend, error) {
		return nil, boom
	})

	_, err = registry.Resolve(&domain.StorageLocationConfiguration{Name: "disk", BackendType: "stub"})
	require.ErrorIs(t, err, boom)
}

func TestRegistryReRegisterPurgesCache(t *testing.T) {
	registry, err := NewRegistry(4)
	require.NoError(t, err)

	registry.Register("stub", func(conf *domain.StorageLocationConfiguration) (Backend, error) {
		return &stubBackend{id: 1}, nil
	})
	conf := &domain.StorageLocationConfiguration{Name: "disk", BackendType: "stub"}
	first, err := registry.Resolve(conf)
	require.NoError(t, err)

	registry.Register("stub", func(conf *domain.StorageLocationConfiguration) (Backend, error) {
		return &stubBackend{id: 2}, nil
	})
	second, err := registry.Resolve(conf)
	require.NoError(t, err)
	require.NotSame(t, first, second)
}
