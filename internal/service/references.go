package service

import (
	"context"

	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/repository"
)

// classifiedReference pairs a file reference with the storage type of its
// location.
type classifiedReference struct {
	Ref  *domain.FileReference
	Type domain.StorageType
}

// bestReferences picks, per checksum, the reference on the cheapest storage
// type to serve from. References on unknown storage locations are treated as
// offline.
func bestReferences(ctx context.Context, locationRepo repository.StorageLocationRepository, refs []*domain.FileReference) (map[string]classifiedReference, error) {
	if len(refs) == 0 {
		return map[string]classifiedReference{}, nil
	}

	nameSet := make(map[string]struct{})
	for _, ref := range refs {
		nameSet[ref.Location.Storage] = struct{}{}
	}
	names := make([]string, 0, len(nameSet))
	for name := range nameSet {
		names = append(names, name)
	}

	confs, err := locationRepo.FindByNames(ctx, names)
	if err != nil {
		return nil, err
	}
	types := make(map[string]domain.StorageType, len(confs))
	for _, conf := range confs {
		types[conf.Name] = conf.StorageType
	}

	best := make(map[string]classifiedReference)
	for _, ref := range refs {
		storageType, ok := types[ref.Location.Storage]
		if !ok {
			storageType = domain.StorageTypeOffline
		}
		current, exists := best[ref.Checksum()]
		if !exists || storageType.ComparePriorityWith(current.Type) > 0 {
			best[ref.Checksum()] = classifiedReference{Ref: ref, Type: storageType}
		}
	}
	return best, nil
}
