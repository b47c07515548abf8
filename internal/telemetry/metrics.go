package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gameserver_active_rooms",
		Help: "Number of live game rooms.",
	})

	AttachedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gameserver_attached_sockets",
		Help: "Number of WebSocket connections attached to rooms.",
	})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gameserver_actions_total",
		Help: "Client actions delivered to room mailboxes, by message type.",
	}, []string{"type"})

	RoomPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gameserver_room_panics_total",
		Help: "Recovered panics inside room processing steps.",
	})
)
