package whisperbox

import "github.com/prometheus/client_golang/prometheus"

var allStates = []ConnectionState{StateDisconnected, StateConnecting, StateOpen, StateReconnecting, StateFailed}

// Metrics collects engine counters. A nil *Metrics records nothing.
type Metrics struct {
	framesReceived    prometheus.Counter
	framesDropped     prometheus.Counter
	reconnectAttempts prometheus.Counter
	sends             *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
}

// NewMetrics creates the engine metrics and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisperbox",
			Name:      "frames_received_total",
			Help:      "Frames read from the message stream.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisperbox",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped as malformed or unroutable.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whisperbox",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whisperbox",
			Name:      "sends_total",
			Help:      "Send pipeline outcomes.",
		}, []string{"result"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "whisperbox",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.framesReceived, m.framesDropped, m.reconnectAttempts, m.sends, m.connectionState)
	}
	return m
}

func (m *Metrics) frameReceived() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) frameDropped() {
	if m != nil {
		m.framesDropped.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) sendResult(result string) {
	if m != nil {
		m.sends.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setState(state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(string(s)).Set(v)
	}
}
