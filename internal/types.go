package internal

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

type Role string

const (
	RoleNone   Role = ""
	RoleCamera Role = "camera"
	RoleCar    Role = "car"
	RoleViewer Role = "viewer"
)

func roleFromPeerKind(kind string) (Role, bool) {
	switch kind {
	case "camera":
		return RoleCamera, true
	case "car":
		return RoleCar, true
	case "viewer":
		return RoleViewer, true
	}

	return RoleNone, false
}

const (
	CommandForward  = "forward"
	CommandBackward = "backward"
	CommandLeft     = "left"
	CommandRight    = "right"
	CommandStop     = "stop"

	MaxSpeed = 255
)

var (
	ErrHandshake        = errors.New("malformed identification")
	ErrHandshakeTimeout = errors.New("identification timed out")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrCarUnavailable   = errors.New("car unavailable")
)

// reasons a connection gets evicted, used in logs and metric labels
const (
	reasonStale    = "stale"
	reasonWrite    = "write_failure"
	reasonReplaced = "replaced"
)

const (
	TypeFrame              = "frame"
	TypeCameraConnected    = "camera_connected"
	TypeCameraDisconnected = "camera_disconnected"
	TypeCarConnected       = "car_connected"
	TypeCarDisconnected    = "car_disconnected"
	TypeCarAck             = "car_ack"
	TypeError              = "error"
)

// Envelope is the single JSON shape pushed to viewers. Fields besides
// Type are populated per envelope type.
type Envelope struct {
	Type      string `json:"type"`
	Image     string `json:"image,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Device    string `json:"device,omitempty"`
	Status    string `json:"status,omitempty"`
	Command   string `json:"command,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Identification is the first message a device sends after connecting.
type Identification struct {
	PeerKind string `json:"peerKind"`
	Device   string `json:"device"`
	Status   string `json:"status,omitempty"`
}

// CommandMessage is a drive instruction from a viewer, forwarded to the
// car as-is.
type CommandMessage struct {
	Command   string `json:"command"`
	Speed     int    `json:"speed"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Ack is what the car reports back after executing a command.
type Ack struct {
	Command string `json:"command,omitempty"`
	Status  string `json:"status"`
}

type Message struct {
	Drop   bool
	Binary bool
	Buffer []byte
}

// Conn is one registered peer. Role, Device and Status are written
// before registration (or by the hub loop under its lock) and must not
// be touched by connection goroutines afterwards.
type Conn struct {
	ID     string
	Role   Role
	Device string
	Status string

	sock   *websocket.Conn
	cancel context.CancelFunc
	joined time.Time

	// frames holds at most one pending frame; msgs queues control
	// envelopes and is allowed to evict its peer when full.
	frames chan Message
	msgs   chan Message

	lastSeen atomic.Int64
	recv     atomic.Int64
	sent     atomic.Int64
}

func newConn(id string, role Role, device, status string, sock *websocket.Conn, cancel context.CancelFunc) *Conn {
	c := &Conn{
		ID:     id,
		Role:   role,
		Device: device,
		Status: status,
		sock:   sock,
		cancel: cancel,
		joined: time.Now(),
		frames: make(chan Message, 1),
		msgs:   make(chan Message, 16),
	}

	c.touch()
	return c
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) seen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// sendFrame replaces any frame the peer has not consumed yet, so a slow
// viewer always skips to the most recent frame. Reports whether an
// older frame was discarded.
func (c *Conn) sendFrame(msg Message) bool {
	select {
	case c.frames <- msg:
		return false
	default:
	}

	dropped := false
	select {
	case <-c.frames:
		dropped = true
	default:
	}

	select {
	case c.frames <- msg:
	default:
	}

	return dropped
}

// send queues a control envelope without blocking. False means the peer
// cannot keep up.
func (c *Conn) send(msg Message) bool {
	select {
	case c.msgs <- msg:
		return true
	default:
		return false
	}
}

// drop makes the write pump exit. When even the control queue is jammed
// the connection context is cut instead.
func (c *Conn) drop() {
	select {
	case c.msgs <- Message{Drop: true}:
	default:
		c.cancel()
	}
}

func errorMessage(err error, command string) Message {
	buf, _ := json.Marshal(Envelope{
		Type:    TypeError,
		Message: err.Error(),
		Command: command,
	})

	return Message{Buffer: buf}
}

// Status is the read-only snapshot served on the status surface.
type Status struct {
	Camera  CameraStatus `json:"camera"`
	Car     CarStatus    `json:"car"`
	Viewers int          `json:"viewers"`
	Frame   FrameStatus  `json:"frame"`
}

type CameraStatus struct {
	Connected bool    `json:"connected"`
	Device    string  `json:"device,omitempty"`
	FPS       float64 `json:"fps"`
	LastSeen  int64   `json:"last_seen,omitempty"`
}

type CarStatus struct {
	Connected   bool   `json:"connected"`
	Device      string `json:"device,omitempty"`
	Status      string `json:"status,omitempty"`
	LastCommand string `json:"last_command,omitempty"`
	LastAck     string `json:"last_ack,omitempty"`
	Phase       string `json:"phase"`
}

type FrameStatus struct {
	Seq        uint64 `json:"seq"`
	ReceivedAt int64  `json:"received_at,omitempty"`
}
