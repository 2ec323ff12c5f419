package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is nil safe. A nil *Metrics records nothing.
type Metrics struct {
	rooms         prometheus.Gauge
	sessions      prometheus.Gauge
	legacyRooms   prometheus.Gauge
	saves         prometheus.Counter
	saveFailures  prometheus.Counter
	reloads       prometheus.Counter
	lostSaveRaces prometheus.Counter
	frameErrors   prometheus.Counter
	serialGaps    prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "rooms",
			Help:      "Live rooms.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "sessions",
			Help:      "Attached client sessions.",
		}),
		legacyRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "legacy_rooms",
			Help:      "Live transaction log collaborations.",
		}),
		saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "saves_total",
			Help:      "Documents written to storage.",
		}),
		saveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "save_failures_total",
			Help:      "Failed storage writes.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "reloads_total",
			Help:      "Documents reloaded after an external change.",
		}),
		lostSaveRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "lost_save_races_total",
			Help:      "Saves aborted because storage changed externally.",
		}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "frame_errors_total",
			Help:      "Malformed frames received.",
		}),
		serialGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "serial_gaps_total",
			Help:      "Transaction serial gaps in the transaction log protocol.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.rooms,
			metrics.sessions,
			metrics.legacyRooms,
			metrics.saves,
			metrics.saveFailures,
			metrics.reloads,
			metrics.lostSaveRaces,
			metrics.frameErrors,
			metrics.serialGaps,
		)
	}
	return metrics
}

func (self *Metrics) RoomAdded() {
	if self != nil {
		self.rooms.Inc()
	}
}

func (self *Metrics) RoomRemoved() {
	if self != nil {
		self.rooms.Dec()
	}
}

func (self *Metrics) SessionAdded() {
	if self != nil {
		self.sessions.Inc()
	}
}

func (self *Metrics) SessionRemoved() {
	if self != nil {
		self.sessions.Dec()
	}
}

func (self *Metrics) LegacyRoomAdded() {
	if self != nil {
		self.legacyRooms.Inc()
	}
}

func (self *Metrics) LegacyRoomRemoved() {
	if self != nil {
		self.legacyRooms.Dec()
	}
}

func (self *Metrics) Saved() {
	if self != nil {
		self.saves.Inc()
	}
}

func (self *Metrics) SaveFailed() {
	if self != nil {
		self.saveFailures.Inc()
	}
}

func (self *Metrics) Reloaded() {
	if self != nil {
		self.reloads.Inc()
	}
}

func (self *Metrics) LostSaveRace() {
	if self != nil {
		self.lostSaveRaces.Inc()
	}
}

func (self *Metrics) FrameError() {
	if self != nil {
		self.frameErrors.Inc()
	}
}

func (self *Metrics) SerialGap() {
	if self != nil {
		self.serialGaps.Inc()
	}
}
