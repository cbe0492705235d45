package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"log/slog"

	"nhooyr.io/websocket"
)

type sniffKind int

const (
	sniffCommand sniffKind = iota
	sniffIdentification
	sniffFrame
)

// classify decides what a legacy payload is. Precedence is fixed: JSON
// carrying a command key wins, then JSON identification; everything
// else, binary included, falls through to the frame path.
func classify(typ websocket.MessageType, b []byte) sniffKind {
	if typ != websocket.MessageText {
		return sniffFrame
	}

	probe := struct {
		Command  *string `json:"command"`
		PeerKind *string `json:"peerKind"`
	}{}

	if err := json.Unmarshal(b, &probe); err != nil {
		return sniffFrame
	}

	if probe.Command != nil {
		return sniffCommand
	}

	if probe.PeerKind != nil {
		return sniffIdentification
	}

	return sniffFrame
}

// LegacyRoute serves peers that predate the dedicated paths: every
// message is sniffed, and the first one decides the connection's role.
// Unidentified senders of frames become the camera, senders of commands
// become viewers. The role is fixed after that first message; once a
// connection is the car, its text messages are acknowledgments.
func LegacyRoute(hub *Hub, logger *slog.Logger, pres *presence, opts *websocket.AcceptOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		id, err := connID()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		log := logger.With(slog.String("id", id), slog.String("role", "legacy"))

		sock, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}

		sock.SetReadLimit(maxFrameBytes)

		c := newConn(id, RoleNone, "", "", sock, cancel)

		readDone := make(chan struct{})
		go legacyReadPump(ctx, hub, c, sock, pres, cancel, readDone, log)

		defer func() {
			// the read pump writes c.Role; wait it out before the hub
			// loop reads the connection again
			cancel()
			<-readDone
			hub.Unregister(c)
			pres.leave(c)
			_ = sock.Close(websocket.StatusNormalClosure, "bye")
			log.Info("closed")
		}()

		go pingLoop(ctx, c, pres, devicePingEvery, log)

		writePump(ctx, c, log)
	}
}

func legacyReadPump(
	ctx context.Context,
	hub *Hub,
	c *Conn,
	sock *websocket.Conn,
	pres *presence,
	cancel context.CancelFunc,
	done chan struct{},
	log *slog.Logger,
) {
	defer close(done)
	defer cancel()

	role := RoleNone
	first := true

	for {
		rctx := ctx
		rcancel := context.CancelFunc(func() {})
		if first {
			rctx, rcancel = context.WithTimeout(ctx, hub.cfg.HandshakeTimeout)
		}

		typ, b, err := sock.Read(rctx)
		rcancel()
		if err != nil {
			if first && rctx.Err() != nil && ctx.Err() == nil {
				log.Warn("handshake", slog.Any("error", ErrHandshakeTimeout))
				_ = sock.Close(websocket.StatusPolicyViolation, "identify first")
			}
			return
		}

		first = false
		c.touch()
		c.recv.Add(1)

		kind := classify(typ, b)

		// an identified car is speaking acknowledgments: the keyed shape
		// carries a command key and sniffs as a command, the bare
		// {status} shape sniffs as a frame. Both belong to the ack path;
		// only identification keeps its sniffed meaning.
		if role == RoleCar && kind != sniffIdentification {
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

			continue
		}

		switch kind {
		case sniffCommand:
			if role == RoleNone {
				role = RoleViewer
				c.Role = RoleViewer
				if err := hub.Register(ctx, c); err != nil {
					return
				}
				pres.join(ctx, c)
				log.Info("classified", slog.String("as", string(role)))
			}

			if role != RoleViewer {
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

		case sniffIdentification:
			ident := Identification{}
			if err := json.Unmarshal(b, &ident); err != nil {
				continue
			}

			next, ok := roleFromPeerKind(ident.PeerKind)
			if !ok {
				log.Warn("handshake", slog.String("peerKind", ident.PeerKind))
				_ = sock.Close(websocket.StatusPolicyViolation, "unknown peer kind")
				return
			}

			if role == RoleNone {
				role = next
				c.Role = next
				c.Device = ident.Device
				c.Status = ident.Status
				if err := hub.Register(ctx, c); err != nil {
					return
				}
				pres.join(ctx, c)
				log.Info("classified", slog.String("as", string(role)), slog.String("device", ident.Device))
				continue
			}

			if next != role {
				_ = sock.Close(websocket.StatusPolicyViolation, "role is fixed")
				return
			}

			// same role again: identity is immutable per connection
			log.Debug("repeat identification", slog.String("device", ident.Device))

		case sniffFrame:
			if role == RoleNone {
				role = RoleCamera
				c.Role = RoleCamera
				c.Device = "legacy"
				if err := hub.Register(ctx, c); err != nil {
					return
				}
				pres.join(ctx, c)
				log.Info("classified", slog.String("as", string(role)))
			}

			if role != RoleCamera {
				continue
			}

			if err := hub.SubmitFrame(ctx, b); err != nil {
				return
			}
		}
	}
}
