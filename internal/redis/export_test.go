package redisclient

import (
	"context"
)

func (s *SessionStore) PruneStale(ctx context.Context, pool string, members []string) error {
	return s.pruneStale(ctx, pool, members)
}
