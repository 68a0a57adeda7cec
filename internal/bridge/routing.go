package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRouteNotFound indicates no routing record exists for the message
var ErrRouteNotFound = errors.New("route not found")

// Route tells the orchestrator where a completion must be delivered
type Route struct {
	CallbackURL string
	Fn          string
	CreatedAt   time.Time
}

// RouteStore persists delivery routes in Redis hashes. A route is
// written under a provisional key before dispatch and promoted to the
// message ID once the dispatch succeeds, so a completion can never
// observe a half-written route.
type RouteStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRouteStore creates a route store
func NewRouteStore(rdb *redis.Client, prefix string) *RouteStore {
	if prefix == "" {
		prefix = "bridge:route:"
	}
	return &RouteStore{rdb: rdb, prefix: prefix}
}

// PutTemp writes a route under a provisional ID
func (s *RouteStore) PutTemp(ctx context.Context, tempID string, route Route, ttl time.Duration) error {
	key := s.prefix + tempID

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"callback_url": route.CallbackURL,
		"fn":           route.Fn,
		"created_at":   time.Now().UnixMilli(),
	})
	pipe.Expire(ctx, key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write route: %w", err)
	}
	return nil
}

// Promote renames a provisional route onto the real message ID and
// refreshes its TTL
func (s *RouteStore) Promote(ctx context.Context, tempID, messageID string, ttl time.Duration) error {
	oldKey := s.prefix + tempID
	newKey := s.prefix + messageID

	if err := s.rdb.Rename(ctx, oldKey, newKey).Err(); err != nil {
		return fmt.Errorf("failed to promote route: %w", err)
	}

	if err := s.rdb.Expire(ctx, newKey, ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh route ttl: %w", err)
	}
	return nil
}

// Lookup fetches the route for a message ID
func (s *RouteStore) Lookup(ctx context.Context, messageID string) (*Route, error) {
	key := s.prefix + messageID

	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up route: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrRouteNotFound
	}

	route := &Route{
		CallbackURL: fields["callback_url"],
		Fn:          fields["fn"],
	}
	return route, nil
}

// Delete removes a delivered route
func (s *RouteStore) Delete(ctx context.Context, messageID string) error {
	if err := s.rdb.Del(ctx, s.prefix+messageID).Err(); err != nil {
		return fmt.Errorf("failed to delete route: %w", err)
	}
	return nil
}
