package internal

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"log/slog"
)

// frameCache holds the single most recent camera frame. Every new
// payload overwrites it; nothing is ever queued.
type frameCache struct {
	bytes      []byte
	seq        uint64
	receivedAt time.Time
}

func (f *frameCache) put(b []byte, now time.Time) {
	f.bytes = b
	f.seq++
	f.receivedAt = now
}

func (f *frameCache) empty() bool {
	return f.seq == 0
}

// throughputCounter measures camera frames per second, reset once per
// window.
type throughputCounter struct {
	n   int
	fps float64
}

func (t *throughputCounter) bump() {
	t.n++
}

func (t *throughputCounter) roll(elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return t.fps
	}

	t.fps = float64(t.n) / elapsed.Seconds()
	t.n = 0
	return t.fps
}

func frameEnvelope(b []byte, at time.Time) Envelope {
	return Envelope{
		Type:      TypeFrame,
		Image:     base64.StdEncoding.EncodeToString(b),
		Timestamp: at.UnixMilli(),
	}
}

// handleFrame runs on the hub loop: cache the payload, count it, then
// push it at every viewer. Marshal happens once no matter how many
// viewers are connected.
func (h *Hub) handleFrame(b []byte) {
	now := time.Now()

	h.mu.Lock()
	h.frame.put(b, now)
	h.rate.bump()
	h.mu.Unlock()

	framesReceived.Inc()

	buf, err := json.Marshal(frameEnvelope(b, now))
	if err != nil {
		h.logger.Error("marshal frame", slog.Any("error", err))
		return
	}

	msg := Message{Buffer: buf}
	for _, v := range h.reg.viewerSnapshot() {
		if v.sendFrame(msg) {
			framesDropped.Inc()
		}
	}
}

// Latest returns a copy of the most recent cached frame.
func (h *Hub) Latest() ([]byte, uint64, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.frame.empty() {
		return nil, 0, time.Time{}, false
	}

	b := make([]byte, len(h.frame.bytes))
	copy(b, h.frame.bytes)

	return b, h.frame.seq, h.frame.receivedAt, true
}
