package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorageTypePriority(t *testing.T) {
	require.Positive(t, StorageTypeOnline.ComparePriorityWith(StorageTypeNearline))
	require.Positive(t, StorageTypeNearline.ComparePriorityWith(StorageTypeOffline))
	require.Negative(t, StorageTypeOffline.ComparePriorityWith(StorageTypeOnline))
	require.Zero(t, StorageTypeOnline.ComparePriorityWith(StorageTypeOnline))
}

func TestCacheFileExpiration(t *testing.T) {
	now := time.Now().UTC()
	file := &CacheFile{ExpirationDate: now.Add(time.Hour)}

	require.False(t, file.IsExpired(now))
	require.True(t, file.IsExpired(now.Add(2*time.Hour)))

	// An earlier date never shrinks the lifetime.
	file.ExtendExpiration(now.Add(30 * time.Minute))
	require.Equal(t, now.Add(time.Hour), file.ExpirationDate)

	file.ExtendExpiration(now.Add(3 * time.Hour))
	require.Equal(t, now.Add(3*time.Hour), file.ExpirationDate)
}

func TestCacheFileAddGroup(t *testing.T) {
	file := &CacheFile{}
	file.AddGroup("g1")
	file.AddGroup("g2")
	file.AddGroup("g1")
	require.Equal(t, []string{"g1", "g2"}, file.Groups)
}
