package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"nhooyr.io/websocket"
)

// Main builds the hub and mounts every surface it listens on: the
// dedicated device/viewer sockets, the legacy combined socket, and the
// REST glue other services call. The caller owns the hub loop; nothing
// moves until Run is started. rdb may be nil, which disables the
// presence mirror.
func Main(logger *slog.Logger, cfg Config, instanceID string, rdb *redis.Client) (chi.Router, *Hub) {
	hub := NewHub(logger, cfg)
	pres := newPresence(logger, rdb, instanceID)

	opts := &websocket.AcceptOptions{
		OriginPatterns: hub.cfg.OriginPatterns,
	}

	router := chi.NewRouter()
	router.Use(mid(instanceID))

	router.Get("/health", health())
	router.Get("/status", StatusRoute(hub))
	router.Get("/snapshot", SnapshotRoute(hub))
	router.Post("/command", CommandRoute(hub))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Get("/camera", CameraRoute(hub, logger, pres, opts))
	router.Get("/car", CarRoute(hub, logger, pres, opts))
	router.Get("/ws", ViewerRoute(hub, logger, pres, opts))
	router.Get("/legacy", LegacyRoute(hub, logger, pres, opts))

	return router, hub
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "fieldpilot")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}

// StatusRoute reports the hub snapshot: who is connected, the camera
// frame rate, and the last command round-trip.
func StatusRoute(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hub.Status())
	}
}

// SnapshotRoute serves the most recent camera frame as plain bytes, for
// callers that want a still image rather than the stream.
func SnapshotRoute(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, seq, at, ok := hub.Latest()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Frame-Seq", strconv.FormatUint(seq, 10))
		w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// CommandRoute drives the car over plain HTTP. It funnels into the same
// Submit path the viewer sockets use, so both surfaces behave
// identically; the acknowledgment still arrives as a car_ack broadcast.
func CommandRoute(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err, "")
			return
		}

		cmd := CommandMessage{}
		if err := json.Unmarshal(b, &cmd); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ErrInvalidCommand, err), "")
			return
		}

		if err := hub.Submit(r.Context(), cmd); err != nil {
			switch {
			case errors.Is(err, ErrInvalidCommand):
				writeError(w, http.StatusBadRequest, err, cmd.Command)
			case errors.Is(err, ErrCarUnavailable):
				writeError(w, http.StatusServiceUnavailable, err, cmd.Command)
			default:
				writeError(w, http.StatusInternalServerError, err, cmd.Command)
			}

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(commandReply{Result: "accepted", Command: cmd.Command})
	}
}

type commandReply struct {
	Result  string `json:"result"`
	Command string `json:"command,omitempty"`
}

type errorReply struct {
	Error   string `json:"error"`
	Command string `json:"command,omitempty"`
}

func writeError(w http.ResponseWriter, code int, err error, command string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorReply{Error: err.Error(), Command: command})
}
