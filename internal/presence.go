package internal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/redis/go-redis/v9"
)

// presence mirrors live connections into redis so operators can inspect
// the fleet without asking the hub. The mirror is best-effort and
// optional: a nil *presence disables it entirely.
type presence struct {
	rdb    *redis.Client
	logger *slog.Logger
	inst   string
}

func newPresence(logger *slog.Logger, rdb *redis.Client, instanceID string) *presence {
	if rdb == nil {
		return nil
	}

	return &presence{rdb: rdb, logger: logger, inst: instanceID}
}

func presenceKey(id string) string {
	return fmt.Sprintf("hub:conn:%v", id)
}

func (p *presence) join(ctx context.Context, c *Conn) {
	if p == nil {
		return
	}

	rid := presenceKey(c.ID)
	data := map[string]string{
		"inst":   p.inst,
		"role":   string(c.Role),
		"device": c.Device,
		"join":   strconv.Itoa(int(c.joined.Unix())),
		"recv":   "0",
		"sent":   "0",
	}

	if err := p.rdb.HSet(ctx, rid, data).Err(); err != nil {
		p.logger.Warn("presence join", slog.Any("error", err))
		return
	}

	if err := p.rdb.Expire(ctx, rid, 90*time.Second).Err(); err != nil {
		p.logger.Warn("presence expire", slog.Any("error", err))
	}
}

// refresh extends the TTL and updates the traffic counters. Keys that
// do not exist (never joined, or already left) stay absent.
func (p *presence) refresh(ctx context.Context, c *Conn) {
	if p == nil {
		return
	}

	rid := presenceKey(c.ID)

	ok, err := p.rdb.Expire(ctx, rid, 60*time.Second).Result()
	if err != nil {
		p.logger.Warn("presence refresh", slog.Any("error", err))
		return
	}

	if !ok {
		return
	}

	data := map[string]string{
		"recv": strconv.FormatInt(c.recv.Load(), 10),
		"sent": strconv.FormatInt(c.sent.Load(), 10),
	}

	if err := p.rdb.HSet(ctx, rid, data).Err(); err != nil {
		p.logger.Warn("presence refresh", slog.Any("error", err))
	}
}

func (p *presence) leave(c *Conn) {
	if p == nil {
		return
	}

	if err := p.rdb.Del(context.Background(), presenceKey(c.ID)).Err(); err != nil {
		p.logger.Warn("presence cleanup", slog.Any("error", err))
	}
}
