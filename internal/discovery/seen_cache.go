package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenCache remembers refs that were already enqueued so discovery skips them for TTL,
// even after their jobs reach a terminal state and would otherwise be accepted again.
type SeenCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewSeenCache(client redis.Cmdable, ttl time.Duration) *SeenCache {
	return &SeenCache{client: client, prefix: "clips:seen:", ttl: ttl}
}

func (c *SeenCache) key(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return c.prefix + hex.EncodeToString(sum[:16])
}

// Filter returns the refs not yet marked, preserving order.
func (c *SeenCache) Filter(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	pipe := c.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(refs))
	for i, r := range refs {
		cmds[i] = pipe.Exists(ctx, c.key(r))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("seen cache lookup: %w", err)
	}
	out := make([]string, 0, len(refs))
	for i, r := range refs {
		if cmds[i].Val() == 0 {
			out = append(out, r)
		}
	}
	return out, nil
}

// Mark records refs as seen.
func (c *SeenCache) Mark(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, r := range refs {
		pipe.Set(ctx, c.key(r), r, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seen cache mark: %w", err)
	}
	return nil
}
