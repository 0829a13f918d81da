package presence

import (
	"context"

	"github.com/orbitchat/orbit/internal/metadata"
	"github.com/orbitchat/orbit/internal/metadata/keys"
)

// MetadataSetStore keeps each set member as an empty-valued key under
// /orbit/v1/presence/{set}/{member}. It lets a deployment without Redis
// share presence through the same Oxia cluster that holds node
// registrations.
type MetadataSetStore struct {
	store metadata.MetadataStore
}

// NewMetadataSetStore creates a set store on top of a metadata store.
func NewMetadataSetStore(store metadata.MetadataStore) *MetadataSetStore {
	return &MetadataSetStore{store: store}
}

func (s *MetadataSetStore) SAdd(ctx context.Context, set, member string) error {
	_, err := s.store.Put(ctx, keys.PresenceMemberKey(set, member), nil)
	return err
}

func (s *MetadataSetStore) SRem(ctx context.Context, set, member string) error {
	return s.store.Delete(ctx, keys.PresenceMemberKey(set, member))
}

func (s *MetadataSetStore) SMembers(ctx context.Context, set string) ([]string, error) {
	kvs, err := s.store.List(ctx, keys.PresenceSetPrefix(set), "", 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		_, member, err := keys.ParsePresenceMemberKey(kv.Key)
		if err != nil {
			continue
		}
		out = append(out, member)
	}
	return out, nil
}

func (s *MetadataSetStore) Del(ctx context.Context, set string) error {
	kvs, err := s.store.List(ctx, keys.PresenceSetPrefix(set), "", 0)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := s.store.Delete(ctx, kv.Key); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the metadata store for readiness probes.
func (s *MetadataSetStore) Ping(ctx context.Context) error {
	_, err := s.store.Get(ctx, keys.HealthCheckKey)
	return err
}
