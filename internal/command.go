package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/looplab/fsm"
)

// car command lifecycle
const (
	PhaseIdle         = "idle"
	PhaseCommandSent  = "command_sent"
	PhaseAcknowledged = "acknowledged"
	PhaseTimedOut     = "timed_out"

	eventSend   = "send"
	eventAck    = "ack"
	eventExpire = "expire"
)

func newCommandPhases() *fsm.FSM {
	return fsm.NewFSM(
		PhaseIdle,
		fsm.Events{
			{Name: eventSend, Src: []string{PhaseIdle, PhaseCommandSent, PhaseAcknowledged, PhaseTimedOut}, Dst: PhaseCommandSent},
			{Name: eventAck, Src: []string{PhaseCommandSent}, Dst: PhaseAcknowledged},
			{Name: eventExpire, Src: []string{PhaseCommandSent}, Dst: PhaseTimedOut},
		},
		fsm.Callbacks{},
	)
}

// benign covers the fsm errors that just mean "nothing to do here",
// like an ack arriving when no command is in flight.
func benign(err error) bool {
	if err == nil {
		return true
	}

	var noTransition fsm.NoTransitionError
	var invalidEvent fsm.InvalidEventError

	return errors.As(err, &noTransition) || errors.As(err, &invalidEvent)
}

// carCommandState remembers the last command round-trip regardless of
// which viewer started it.
type carCommandState struct {
	machine  *fsm.FSM
	command  string
	speed    int
	sentAt   time.Time
	deadline time.Time
	ack      string
	ackAt    time.Time
}

func newCarCommandState() *carCommandState {
	return &carCommandState{machine: newCommandPhases()}
}

func (s *carCommandState) phase() string {
	return s.machine.Current()
}

var commandSet = map[string]struct{}{
	CommandForward:  {},
	CommandBackward: {},
	CommandLeft:     {},
	CommandRight:    {},
	CommandStop:     {},
}

// ValidCommand reports whether name is one of the drive commands.
func ValidCommand(name string) bool {
	_, ok := commandSet[name]
	return ok
}

// validate rejects malformed commands before they get anywhere near the
// loop or the car.
func validate(cmd CommandMessage) error {
	if !ValidCommand(cmd.Command) {
		return fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Command)
	}

	if cmd.Speed < 0 || cmd.Speed > MaxSpeed {
		return fmt.Errorf("%w: speed %v out of range", ErrInvalidCommand, cmd.Speed)
	}

	return nil
}

// Submit validates cmd and forwards it to the car. It returns once the
// command sits in the car's write queue; the acknowledgment arrives
// later as a car_ack broadcast.
func (h *Hub) Submit(ctx context.Context, cmd CommandMessage) error {
	if err := validate(cmd); err != nil {
		commandsTotal.WithLabelValues("invalid").Inc()
		return err
	}

	if cmd.Timestamp == 0 {
		cmd.Timestamp = time.Now().UnixMilli()
	}

	req := submitReq{cmd: cmd, reply: make(chan error, 1)}

	select {
	case h.commands <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrCarUnavailable
	}

	select {
	case err := <-req.reply:
		if err != nil {
			commandsTotal.WithLabelValues("unavailable").Inc()
			return err
		}

		commandsTotal.WithLabelValues("accepted").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrCarUnavailable
	}
}

// handleCommand runs on the hub loop.
func (h *Hub) handleCommand(req submitReq) {
	car := h.reg.find(RoleCar)
	if car == nil {
		req.reply <- ErrCarUnavailable
		return
	}

	buf, err := json.Marshal(req.cmd)
	if err != nil {
		req.reply <- err
		return
	}

	if !car.send(Message{Buffer: buf}) {
		// a car that stopped draining its queue is as good as gone
		h.evict(car, reasonWrite)
		req.reply <- ErrCarUnavailable
		return
	}

	now := time.Now()

	h.mu.Lock()
	h.carState.command = req.cmd.Command
	h.carState.speed = req.cmd.Speed
	h.carState.sentAt = now
	h.carState.deadline = now.Add(h.cfg.AckTimeout)
	h.mu.Unlock()

	if err := h.carState.machine.Event(context.Background(), eventSend); !benign(err) {
		h.logger.Debug("send transition", slog.Any("error", err))
	}

	h.logger.Debug("command forwarded",
		slog.String("command", req.cmd.Command),
		slog.Int("speed", req.cmd.Speed),
	)

	req.reply <- nil
}

// handleAck runs on the hub loop: record the outcome and rebroadcast it
// to every viewer. Acks without a command field inherit the last one
// sent.
func (h *Hub) handleAck(ack Ack) {
	now := time.Now()

	h.mu.Lock()
	h.carState.ack = ack.Status
	h.carState.ackAt = now
	h.carState.deadline = time.Time{}
	if ack.Command == "" {
		ack.Command = h.carState.command
	}
	h.mu.Unlock()

	if err := h.carState.machine.Event(context.Background(), eventAck); !benign(err) {
		h.logger.Debug("ack transition", slog.Any("error", err))
	}

	acksTotal.WithLabelValues(ack.Status).Inc()

	h.broadcast(Envelope{Type: TypeCarAck, Command: ack.Command, Status: ack.Status})
}
