package oauthstate

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares state records across server replicas. TTLs are enforced
// by key expiry, so PurgeExpired has nothing left to do.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func pendingKey(state string) string   { return "oauth:pending:" + state }
func completedKey(state string) string { return "oauth:completed:" + state }

// consumeCompletedScript deletes the token only when the caller is the
// initiating user, atomically with the read.
var consumeCompletedScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return false
end
local record = cjson.decode(raw)
if record.user_id ~= ARGV[1] then
  return false
end
redis.call("DEL", KEYS[1])
return raw
`)

func (s *RedisStore) CreatePending(ctx context.Context, p *PendingState) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, pendingKey(p.State), raw, PendingTTL).Err()
}

func (s *RedisStore) ConsumePending(ctx context.Context, state string) (*PendingState, error) {
	raw, err := s.client.GetDel(ctx, pendingKey(state)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p PendingState
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) CompleteWithToken(ctx context.Context, state, accessToken, userID string) error {
	raw, err := json.Marshal(&CompletedToken{State: state, AccessToken: accessToken, UserID: userID})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, completedKey(state), raw, CompletedTTL).Err()
}

func (s *RedisStore) ConsumeCompleted(ctx context.Context, state, userID string) (string, error) {
	res, err := consumeCompletedScript.Run(ctx, s.client, []string{completedKey(state)}, userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, ok := res.(string)
	if !ok {
		return "", nil
	}
	var c CompletedToken
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return "", err
	}
	return c.AccessToken, nil
}

func (s *RedisStore) PurgeExpired(ctx context.Context) (int, error) {
	return 0, nil
}
