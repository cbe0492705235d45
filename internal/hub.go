package internal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"
)

// Config carries the hub timing knobs. Zero values fall back to the
// defaults below.
type Config struct {
	HandshakeTimeout time.Duration
	SweepInterval    time.Duration
	StaleAfter       time.Duration
	AckTimeout       time.Duration
	ThroughputWindow time.Duration
	OriginPatterns   []string
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 2 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.ThroughputWindow <= 0 {
		c.ThroughputWindow = time.Second
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = []string{"*"}
	}

	return c
}

var errStopped = errors.New("hub stopped")

type submitReq struct {
	cmd   CommandMessage
	reply chan error
}

// Hub relays frames and commands between one camera, one car and any
// number of viewers. The Run goroutine owns every field below the
// mutex; it locks only around writes so the read-only surfaces can take
// consistent snapshots under RLock.
type Hub struct {
	logger *slog.Logger
	cfg    Config

	mu       sync.RWMutex
	reg      *registry
	frame    frameCache
	rate     throughputCounter
	carState *carCommandState
	lastRoll time.Time

	register   chan *Conn
	unregister chan *Conn
	frames     chan []byte
	commands   chan submitReq
	acks       chan Ack
	done       chan struct{}
}

func NewHub(logger *slog.Logger, cfg Config) *Hub {
	return &Hub{
		logger:     logger,
		cfg:        cfg.withDefaults(),
		reg:        newRegistry(),
		carState:   newCarCommandState(),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		frames:     make(chan []byte, 8),
		commands:   make(chan submitReq),
		acks:       make(chan Ack, 8),
		done:       make(chan struct{}),
	}
}

// Run dispatches hub events until ctx is canceled. All registry, frame
// and command state is mutated here and nowhere else.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()

	window := time.NewTicker(h.cfg.ThroughputWindow)
	defer window.Stop()

	h.lastRoll = time.Now()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.remove(c, "")
		case b := <-h.frames:
			h.handleFrame(b)
		case req := <-h.commands:
			h.handleCommand(req)
		case ack := <-h.acks:
			h.handleAck(ack)
		case now := <-sweep.C:
			h.sweep(now)
		case now := <-window.C:
			h.rollWindow(now)
		}
	}
}

// Register hands a connection to the hub loop.
func (h *Hub) Register(ctx context.Context, c *Conn) error {
	select {
	case h.register <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errStopped
	}
}

// Unregister releases a connection. Safe to call for connections that
// were never registered or were already replaced.
func (h *Hub) Unregister(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// SubmitFrame hands a camera payload to the hub loop.
func (h *Hub) SubmitFrame(ctx context.Context, b []byte) error {
	select {
	case h.frames <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errStopped
	}
}

// SubmitAck hands a car acknowledgment to the hub loop.
func (h *Hub) SubmitAck(ctx context.Context, ack Ack) error {
	select {
	case h.acks <- ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errStopped
	}
}

// Status reports a consistent snapshot of the hub.
func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Status{Viewers: len(h.reg.viewers)}

	if cam := h.reg.camera; cam != nil {
		st.Camera = CameraStatus{
			Connected: true,
			Device:    cam.Device,
			FPS:       h.rate.fps,
			LastSeen:  cam.seen().UnixMilli(),
		}
	}

	st.Car.Phase = h.carState.phase()
	st.Car.LastCommand = h.carState.command
	st.Car.LastAck = h.carState.ack
	if car := h.reg.car; car != nil {
		st.Car.Connected = true
		st.Car.Device = car.Device
		st.Car.Status = car.Status
	}

	if !h.frame.empty() {
		st.Frame = FrameStatus{
			Seq:        h.frame.seq,
			ReceivedAt: h.frame.receivedAt.UnixMilli(),
		}
	}

	return st
}

// handleRegister runs on the hub loop.
func (h *Hub) handleRegister(c *Conn) {
	h.mu.Lock()
	evicted := h.reg.assign(c)
	if c.Role == RoleViewer {
		viewersGauge.Set(float64(len(h.reg.viewers)))
	}
	h.mu.Unlock()

	if evicted != nil {
		// the replaced device gets no disconnected broadcast: the slot
		// never went empty
		evicted.drop()
		evictionsTotal.WithLabelValues(string(evicted.Role), reasonReplaced).Inc()
		h.logger.Info("replaced",
			slog.String("id", evicted.ID),
			slog.String("by", c.ID),
			slog.String("role", string(c.Role)),
		)
	}

	switch c.Role {
	case RoleCamera:
		h.broadcast(Envelope{Type: TypeCameraConnected, Device: c.Device})
	case RoleCar:
		h.broadcast(Envelope{Type: TypeCarConnected, Device: c.Device, Status: c.Status})
	case RoleViewer:
		h.catchUp(c)
	}

	h.logger.Info("joined",
		slog.String("id", c.ID),
		slog.String("role", string(c.Role)),
		slog.String("device", c.Device),
	)
}

// remove runs on the hub loop. It releases c and, when a device slot
// actually empties, tells the viewers. An empty reason is a normal
// leave; otherwise it counts as an eviction.
func (h *Hub) remove(c *Conn, reason string) {
	h.mu.Lock()
	role, ok := h.reg.release(c)
	if role == RoleViewer {
		viewersGauge.Set(float64(len(h.reg.viewers)))
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if reason == "" {
		h.logger.Info("left", slog.String("id", c.ID), slog.String("role", string(role)))
	} else {
		evictionsTotal.WithLabelValues(string(role), reason).Inc()
		h.logger.Warn("evicted",
			slog.String("id", c.ID),
			slog.String("role", string(role)),
			slog.String("reason", reason),
		)
	}

	switch role {
	case RoleCamera:
		h.broadcast(Envelope{Type: TypeCameraDisconnected, Device: c.Device})
	case RoleCar:
		h.broadcast(Envelope{Type: TypeCarDisconnected, Device: c.Device, Status: c.Status})
	}
}

// evict force-drops a connection. Runs on the hub loop.
func (h *Hub) evict(c *Conn, reason string) {
	c.drop()
	h.remove(c, reason)
}

// broadcast fans one envelope out to every viewer. A viewer whose
// control queue is jammed gets evicted; the rest are unaffected.
func (h *Hub) broadcast(env Envelope) {
	buf, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal envelope", slog.Any("error", err))
		return
	}

	msg := Message{Buffer: buf}
	for _, v := range h.reg.viewerSnapshot() {
		if !v.send(msg) {
			h.evict(v, reasonWrite)
		}
	}
}

func (h *Hub) sendEnvelope(c *Conn, env Envelope) {
	buf, err := json.Marshal(env)
	if err != nil {
		return
	}

	if !c.send(Message{Buffer: buf}) {
		h.evict(c, reasonWrite)
	}
}

// catchUp brings a fresh viewer up to date with whatever is already
// connected, including the cached frame.
func (h *Hub) catchUp(v *Conn) {
	if cam := h.reg.find(RoleCamera); cam != nil {
		h.sendEnvelope(v, Envelope{Type: TypeCameraConnected, Device: cam.Device})
	}

	if car := h.reg.find(RoleCar); car != nil {
		h.sendEnvelope(v, Envelope{Type: TypeCarConnected, Device: car.Device, Status: car.Status})
	}

	if !h.frame.empty() {
		buf, err := json.Marshal(frameEnvelope(h.frame.bytes, h.frame.receivedAt))
		if err != nil {
			return
		}
		v.sendFrame(Message{Buffer: buf})
	}
}

// shutdown drops every connection. Runs once when the loop exits.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reg.camera != nil {
		h.reg.camera.drop()
		h.reg.camera = nil
	}

	if h.reg.car != nil {
		h.reg.car.drop()
		h.reg.car = nil
	}

	for v := range h.reg.viewers {
		v.drop()
		delete(h.reg.viewers, v)
	}

	viewersGauge.Set(0)
}
