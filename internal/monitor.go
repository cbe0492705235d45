package internal

import (
	"context"
	"time"

	"log/slog"
)

// sweep runs on the hub loop every SweepInterval. Devices whose
// lastSeen aged past StaleAfter get evicted; reads and pongs both
// refresh lastSeen, so only a dead transport ages out.
func (h *Hub) sweep(now time.Time) {
	cutoff := now.Add(-h.cfg.StaleAfter)

	for _, role := range []Role{RoleCamera, RoleCar} {
		c := h.reg.find(role)
		if c == nil || c.seen().After(cutoff) {
			continue
		}

		h.evict(c, reasonStale)
	}

	h.expireAck(now)
}

// expireAck times out a command the car never acknowledged. There is no
// retry; viewers just get told.
func (h *Hub) expireAck(now time.Time) {
	h.mu.Lock()
	deadline := h.carState.deadline
	command := h.carState.command
	if deadline.IsZero() || now.Before(deadline) {
		h.mu.Unlock()
		return
	}
	h.carState.deadline = time.Time{}
	h.mu.Unlock()

	if err := h.carState.machine.Event(context.Background(), eventExpire); !benign(err) {
		h.logger.Debug("expire transition", slog.Any("error", err))
	}

	h.logger.Warn("ack timeout", slog.String("command", command))

	h.broadcast(Envelope{
		Type:    TypeError,
		Command: command,
		Message: "car did not acknowledge",
	})
}

// rollWindow runs on the hub loop every ThroughputWindow tick.
func (h *Hub) rollWindow(now time.Time) {
	h.mu.Lock()
	fps := h.rate.roll(now.Sub(h.lastRoll))
	h.lastRoll = now
	h.mu.Unlock()

	cameraFPS.Set(fps)
}
