package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ControlSessions        = promauto.NewGauge(prometheus.GaugeOpts{Name: "neogrok_control_sessions", Help: "Open control connections"})
	ActiveServers          = promauto.NewGauge(prometheus.GaugeOpts{Name: "neogrok_active_servers", Help: "Public listeners currently bound for agents"})
	ActiveConnections      = promauto.NewGauge(prometheus.GaugeOpts{Name: "neogrok_active_connections", Help: "Multiplexed connections currently relayed"})
	ConnectionsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "neogrok_connections_total", Help: "Multiplexed connections accepted"})
	ConnectionsRejected    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "neogrok_connections_rejected_total", Help: "Accepted connections dropped before relaying"}, []string{"reason"})
	FramesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "neogrok_frames_total", Help: "Control frames by direction and type"}, []string{"direction", "frame"})
	ForwardedBytes         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "neogrok_forwarded_bytes_total", Help: "Forward payload bytes before compression"}, []string{"direction"})
	WireBytes              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "neogrok_wire_bytes_total", Help: "Forward payload bytes as sent on the wire"}, []string{"direction"})
	CompressionRatio       = promauto.NewHistogram(prometheus.HistogramOpts{Name: "neogrok_compression_ratio", Help: "Original over compressed size of compressed forwards", Buckets: []float64{1, 1.25, 1.5, 2, 3, 4, 6, 8, 16}})
	AuthTotal              = promauto.NewCounterVec(prometheus.CounterOpts{Name: "neogrok_auth_total", Help: "Magic authorization attempts by result"}, []string{"result"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "neogrok_errors_total", Help: "Errors by type"}, []string{"type"})
	ControlDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "neogrok_control_duration_seconds", Help: "Control connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	ConnDurationSeconds    = promauto.NewHistogram(prometheus.HistogramOpts{Name: "neogrok_connection_duration_seconds", Help: "Multiplexed connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
