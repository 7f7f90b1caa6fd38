package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/docavailable/webrtc-signaling/config"
)

const peersTTL = 24 * time.Hour

// Store mirrors session participants into Redis sets so operational tooling
// can see who is connected without asking the signaling process. Mirroring
// is best-effort: failures are logged and never surfaced to the protocol
// path. A nil Store (Redis unconfigured) is a no-op.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// Connect builds a Store from config, or returns (nil, nil) when no Redis
// host is configured.
func Connect(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*Store, error) {
	if cfg.Host == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Store{client: client, log: log}, nil
}

func peersKey(sessionKey string) string {
	return "session:" + sessionKey + ":peers"
}

// Join records a user as present in a session.
func (s *Store) Join(ctx context.Context, sessionKey, userID string) {
	if s == nil {
		return
	}
	key := peersKey(sessionKey)
	if err := s.client.SAdd(ctx, key, userID).Err(); err != nil {
		s.log.Warn().Err(err).Str("session", sessionKey).Msg("presence join failed")
		return
	}
	s.client.Expire(ctx, key, peersTTL)
}

// Leave removes a user from a session's presence set.
func (s *Store) Leave(ctx context.Context, sessionKey, userID string) {
	if s == nil {
		return
	}
	if err := s.client.SRem(ctx, peersKey(sessionKey), userID).Err(); err != nil {
		s.log.Warn().Err(err).Str("session", sessionKey).Msg("presence leave failed")
	}
}

// Status reports the mirror state for the health endpoint: "off" when
// disabled, "ok" or "error" otherwise.
func (s *Store) Status(ctx context.Context) string {
	if s == nil {
		return "off"
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return "error"
	}
	return "ok"
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}
