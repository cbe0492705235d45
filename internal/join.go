package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/segmentio/ksuid"

	"nhooyr.io/websocket"
)

const (
	// devices ping fast so the staleness sweep has fresh data to act
	// on; viewers only need the occasional keepalive
	devicePingEvery = 2 * time.Second
	viewerPingEvery = 45 * time.Second

	maxFrameBytes = 4 << 20
)

// CameraRoute accepts the camera socket: one identification message,
// then binary frames until the connection dies.
func CameraRoute(hub *Hub, logger *slog.Logger, pres *presence, opts *websocket.AcceptOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id, err := connID()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		log := logger.With(slog.String("id", id), slog.String("role", "camera"))

		sock, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}

		sock.SetReadLimit(maxFrameBytes)

		ident, err := readIdentification(ctx, sock, RoleCamera, hub.cfg.HandshakeTimeout)
		if err != nil {
			log.Warn("handshake", slog.Any("error", err))
			_ = sock.Close(websocket.StatusPolicyViolation, "identify first")
			return
		}

		c := newConn(id, RoleCamera, ident.Device, ident.Status, sock, cancel)

		if err := hub.Register(ctx, c); err != nil {
			_ = sock.Close(websocket.StatusTryAgainLater, "not taking connections")
			return
		}

		pres.join(ctx, c)

		defer func() {
			hub.Unregister(c)
			pres.leave(c)
			_ = sock.Close(websocket.StatusNormalClosure, "bye")
			log.Info("closed")
		}()

		go pingLoop(ctx, c, pres, devicePingEvery, log)

		go func() {
			defer cancel()
			for {
				typ, b, err := sock.Read(ctx)
				if err != nil {
					return
				}

				c.touch()
				c.recv.Add(1)

				if typ != websocket.MessageBinary {
					// frames only past this point
					continue
				}

				if err := hub.SubmitFrame(ctx, b); err != nil {
					return
				}
			}
		}()

		writePump(ctx, c, log)
	}
}

// CarRoute accepts the car socket: one identification message, then
// JSON acknowledgments. Commands flow the other way via the write pump.
func CarRoute(hub *Hub, logger *slog.Logger, pres *presence, opts *websocket.AcceptOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id, err := connID()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		log := logger.With(slog.String("id", id), slog.String("role", "car"))

		sock, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}

		ident, err := readIdentification(ctx, sock, RoleCar, hub.cfg.HandshakeTimeout)
		if err != nil {
			log.Warn("handshake", slog.Any("error", err))
			_ = sock.Close(websocket.StatusPolicyViolation, "identify first")
			return
		}

		c := newConn(id, RoleCar, ident.Device, ident.Status, sock, cancel)

		if err := hub.Register(ctx, c); err != nil {
			_ = sock.Close(websocket.StatusTryAgainLater, "not taking connections")
			return
		}

		pres.join(ctx, c)

		defer func() {
			hub.Unregister(c)
			pres.leave(c)
			_ = sock.Close(websocket.StatusNormalClosure, "bye")
			log.Info("closed")
		}()

		go pingLoop(ctx, c, pres, devicePingEvery, log)

		go func() {
			defer cancel()
			for {
				typ, b, err := sock.Read(ctx)
				if err != nil {
					return
				}

				c.touch()
				c.recv.Add(1)

				if typ != websocket.MessageText {
					continue
				}

				ack := Ack{}
				if err := json.Unmarshal(b, &ack); err != nil {
					log.Warn("unreadable ack", slog.Any("error", err))
					continue
				}

				if err := hub.SubmitAck(ctx, ack); err != nil {
					return
				}
			}
		}()

		writePump(ctx, c, log)
	}
}

// ViewerRoute accepts viewer sockets. No handshake: a viewer is a
// viewer the moment it connects. Inbound messages are car commands.
func ViewerRoute(hub *Hub, logger *slog.Logger, pres *presence, opts *websocket.AcceptOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id, err := connID()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		log := logger.With(slog.String("id", id), slog.String("role", "viewer"))

		sock, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}

		c := newConn(id, RoleViewer, "", "", sock, cancel)

		if err := hub.Register(ctx, c); err != nil {
			_ = sock.Close(websocket.StatusTryAgainLater, "not taking connections")
			return
		}

		pres.join(ctx, c)

		defer func() {
			hub.Unregister(c)
			pres.leave(c)
			_ = sock.Close(websocket.StatusNormalClosure, "bye")
			log.Info("left")
		}()

		go pingLoop(ctx, c, pres, viewerPingEvery, log)

		go viewerReadPump(ctx, hub, c, sock, cancel, log)

		writePump(ctx, c, log)
	}
}

// viewerReadPump turns inbound viewer messages into command
// submissions. Rejections go back to the sender alone; nobody else
// cares about one viewer's typo.
func viewerReadPump(ctx context.Context, hub *Hub, c *Conn, sock *websocket.Conn, cancel context.CancelFunc, log *slog.Logger) {
	defer cancel()

	for {
		typ, b, err := sock.Read(ctx)
		if err != nil {
			return
		}

		c.touch()
		c.recv.Add(1)

		if typ != websocket.MessageText {
			continue
		}

		cmd := CommandMessage{}
		if err := json.Unmarshal(b, &cmd); err != nil {
			c.send(errorMessage(fmt.Errorf("%w: %v", ErrInvalidCommand, err), ""))
			continue
		}

		if err := hub.Submit(ctx, cmd); err != nil {
			if errors.Is(err, ErrInvalidCommand) || errors.Is(err, ErrCarUnavailable) {
				c.send(errorMessage(err, cmd.Command))
				continue
			}

			return
		}
	}
}

// writePump owns the socket's write side. It multiplexes the conflated
// frame slot with the control queue and exits on the first failed
// write, a Drop message, or context cancellation.
func writePump(ctx context.Context, c *Conn, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.msgs:
			if msg.Drop {
				return
			}
			if !writeOne(ctx, c, msg, log) {
				return
			}
		case msg := <-c.frames:
			if !writeOne(ctx, c, msg, log) {
				return
			}
		}
	}
}

func writeOne(ctx context.Context, c *Conn, msg Message, log *slog.Logger) bool {
	typ := websocket.MessageText
	if msg.Binary {
		typ = websocket.MessageBinary
	}

	if err := c.sock.Write(ctx, typ, msg.Buffer); err != nil {
		log.Error("failed to write message", slog.Any("error", err))
		return false
	}

	c.sent.Add(1)
	return true
}

// pingLoop keeps the transport warm. A pong refreshes lastSeen, so a
// device with nothing to say still survives the staleness sweep; a dead
// transport stops answering and ages out.
func pingLoop(ctx context.Context, c *Conn, pres *presence, every time.Duration, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(every):
			if err := c.sock.Ping(ctx); err != nil {
				log.Error("failed to ping", slog.Any("error", err))
				_ = c.sock.Close(websocket.StatusAbnormalClosure, "hello?")
				return
			}

			c.touch()
			pres.refresh(ctx, c)
		}
	}
}

// readIdentification reads the handshake message a device surface
// requires, bounded by the handshake timeout. An empty peerKind
// inherits the surface's kind.
func readIdentification(ctx context.Context, sock *websocket.Conn, kind Role, timeout time.Duration) (Identification, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	typ, b, err := sock.Read(hctx)
	if err != nil {
		if hctx.Err() != nil && ctx.Err() == nil {
			return Identification{}, ErrHandshakeTimeout
		}
		return Identification{}, err
	}

	if typ != websocket.MessageText {
		return Identification{}, fmt.Errorf("%w: expected text", ErrHandshake)
	}

	ident := Identification{}
	if err := json.Unmarshal(b, &ident); err != nil {
		return Identification{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	if ident.PeerKind == "" {
		ident.PeerKind = string(kind)
	}

	if ident.PeerKind != string(kind) {
		return Identification{}, fmt.Errorf("%w: %q on the %v surface", ErrHandshake, ident.PeerKind, kind)
	}

	if ident.Device == "" {
		return Identification{}, fmt.Errorf("%w: missing device", ErrHandshake)
	}

	return ident, nil
}

func connID() (string, error) {
	kid, err := ksuid.NewRandom()
	if err != nil {
		return "", err
	}

	return kid.String(), nil
}
