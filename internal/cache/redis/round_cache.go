package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/updownlive/updown-engine/internal/domain"
)

// currentRoundKey holds the JSON snapshot of the open round. A single key is
// enough: the engine never has more than one open round.
const currentRoundKey = "round:current"

// RoundCache implements domain.RoundCache using a JSON snapshot with a TTL.
// The TTL is a staleness backstop; the services invalidate explicitly on
// every transition.
type RoundCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRoundCache creates a RoundCache backed by the given Client.
func NewRoundCache(c *Client, ttl time.Duration) *RoundCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RoundCache{rdb: c.Underlying(), ttl: ttl}
}

// cachedRound is the wire shape of the snapshot.
type cachedRound struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	StartPrice float64   `json:"start_price"`
	EndPrice   *float64  `json:"end_price,omitempty"`
	UpPool     float64   `json:"up_pool"`
	DownPool   float64   `json:"down_pool"`
	TxRef      string    `json:"tx_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetCurrent stores the round snapshot.
func (rc *RoundCache) SetCurrent(ctx context.Context, r domain.Round) error {
	data, err := json.Marshal(cachedRound{
		ID:         r.ID,
		Mode:       string(r.Mode),
		Status:     string(r.Status),
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		StartPrice: r.StartPrice,
		EndPrice:   r.EndPrice,
		UpPool:     r.UpPool,
		DownPool:   r.DownPool,
		TxRef:      r.TxRef,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal round %s: %w", r.ID, err)
	}
	if err := rc.rdb.Set(ctx, currentRoundKey, data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set current round: %w", err)
	}
	return nil
}

// GetCurrent retrieves the cached snapshot. It returns domain.ErrNotFound on
// a cache miss.
func (rc *RoundCache) GetCurrent(ctx context.Context) (domain.Round, error) {
	data, err := rc.rdb.Get(ctx, currentRoundKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("redis: get current round: %w", err)
	}

	var c cachedRound
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.Round{}, fmt.Errorf("redis: unmarshal current round: %w", err)
	}

	return domain.Round{
		ID:         c.ID,
		Mode:       domain.RoundMode(c.Mode),
		Status:     domain.RoundStatus(c.Status),
		StartTime:  c.StartTime,
		EndTime:    c.EndTime,
		StartPrice: c.StartPrice,
		EndPrice:   c.EndPrice,
		UpPool:     c.UpPool,
		DownPool:   c.DownPool,
		TxRef:      c.TxRef,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}, nil
}

// Invalidate drops the snapshot.
func (rc *RoundCache) Invalidate(ctx context.Context) error {
	if err := rc.rdb.Del(ctx, currentRoundKey).Err(); err != nil {
		return fmt.Errorf("redis: invalidate current round: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RoundCache = (*RoundCache)(nil)
