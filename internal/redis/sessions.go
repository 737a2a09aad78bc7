package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/matching"
)

// SessionStore keeps provider presence in Redis so every instance matches
// against the same pool. Each session is a JSON value with the heartbeat
// TTL; a per-pool set indexes the members and is pruned on read.
type SessionStore struct {
	client *redis.Client
}

var _ dispatch.SessionStore = (*SessionStore)(nil)

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{client: client}
}

func sessionKey(pool string, providerID uuid.UUID) string {
	return fmt.Sprintf("presence:%s:%s", pool, providerID)
}

func poolKey(pool string) string {
	return "presence:" + pool
}

func (s *SessionStore) Put(ctx context.Context, sess matching.Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(sess.Pool, sess.ProviderID), data, ttl)
		pipe.SAdd(ctx, poolKey(sess.Pool), sess.ProviderID.String())
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "store session")
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, pool string, providerID uuid.UUID) (*matching.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(pool, providerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, dispatch.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}

	var sess matching.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	return &sess, nil
}

func (s *SessionStore) Remove(ctx context.Context, pool string, providerID uuid.UUID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(pool, providerID))
		pipe.SRem(ctx, poolKey(pool), providerID.String())
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "remove session")
	}
	return nil
}

func (s *SessionStore) ListOnline(ctx context.Context, pool string) ([]matching.Session, error) {
	members, err := s.client.SMembers(ctx, poolKey(pool)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list pool members")
	}
	if len(members) == 0 {
		return nil, nil
	}
	sort.Strings(members)

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, fmt.Sprintf("presence:%s:%s", pool, m))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load sessions")
	}

	var (
		result []matching.Session
		stale  []string
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var sess matching.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			stale = append(stale, members[i])
			continue
		}
		if sess.Online {
			result = append(result, sess)
		}
	}

	if len(stale) > 0 {
		// expired keys leave their set entry behind
		_ = s.pruneStale(ctx, pool, stale)
	}
	return result, nil
}

// a member is dropped only if its session key is still missing, so a Put
// that lands between MGET and the prune keeps its entry
var pruneScript = redis.NewScript(`
local removed = 0
for i, member in ipairs(ARGV) do
  if redis.call("EXISTS", KEYS[i + 1]) == 0 then
    removed = removed + redis.call("SREM", KEYS[1], member)
  end
end
return removed
`)

func (s *SessionStore) pruneStale(ctx context.Context, pool string, members []string) error {
	keys := make([]string, 0, len(members)+1)
	args := make([]any, 0, len(members))
	keys = append(keys, poolKey(pool))
	for _, m := range members {
		keys = append(keys, fmt.Sprintf("presence:%s:%s", pool, m))
		args = append(args, m)
	}
	if err := pruneScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return errors.Wrap(err, "prune pool members")
	}
	return nil
}
