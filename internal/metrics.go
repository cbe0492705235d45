package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_frames_received_total",
			Help: "Camera frames accepted by the hub.",
		},
	)

	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_frames_dropped_total",
			Help: "Frames discarded because a viewer had not consumed the previous one.",
		},
	)

	cameraFPS = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_camera_fps",
			Help: "Camera frame rate over the last throughput window.",
		},
	)

	viewersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_viewers",
			Help: "Currently connected viewer clients.",
		},
	)

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_commands_total",
			Help: "Car commands by outcome.",
		},
		[]string{"result"}, // accepted / invalid / unavailable
	)

	acksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_car_acks_total",
			Help: "Acknowledgments relayed from the car.",
		},
		[]string{"status"},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_evictions_total",
			Help: "Connections force-dropped by the hub.",
		},
		[]string{"role", "reason"},
	)
)

func init() {
	prometheus.MustRegister(
		framesReceived,
		framesDropped,
		cameraFPS,
		viewersGauge,
		commandsTotal,
		acksTotal,
		evictionsTotal,
	)
}
