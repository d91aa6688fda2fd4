package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/prn-tf/tierkeeper/internal/domain"
)

// AllocationStrategy picks a destination storage location for a storage
// request that did not name one.
type AllocationStrategy interface {
	Allocate(ctx context.Context, meta domain.FileMetaInfo, locations []*domain.StorageLocationConfiguration) (string, error)
}

// OnlineFirstAllocation prefers online locations over nearline ones and
// breaks ties by name, so allocation is deterministic across instances.
// Offline locations are never picked automatically.
type OnlineFirstAllocation struct{}

// Allocate picks the destination location for one file.
func (OnlineFirstAllocation) Allocate(_ context.Context, meta domain.FileMetaInfo, locations []*domain.StorageLocationConfiguration) (string, error) {
	candidates := make([]*domain.StorageLocationConfiguration, 0, len(locations))
	for _, loc := range locations {
		if loc.StorageType == domain.StorageTypeOffline {
			continue
		}
		candidates = append(candidates, loc)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no storage location accepts automatic allocation for %s", meta.Checksum)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].StorageType.ComparePriorityWith(candidates[j].StorageType); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].Name < candidates[j].Name
	})
	return candidates[0].Name, nil
}
