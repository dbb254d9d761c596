package sip

import "github.com/prometheus/client_golang/prometheus"

// Transaction engine metrics, exported so an embedding process can register
// them on its own registry (or fall back to the default one on first use).
// Labeled by role (client/server) and kind (INVITE/non-INVITE) so a single
// counter family covers all four state machines described in RFC 3261 §17.
var (
	transactionsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "created_total",
		Help:      "Transactions created by the engine, by role and kind.",
	}, []string{"role", "kind"})

	transactionsTerminated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "terminated_total",
		Help:      "Transactions reaching a terminal state, by role and kind.",
	}, []string{"role", "kind"})

	retransmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "transaction",
		Name:      "retransmissions_total",
		Help:      "Retransmissions sent by timers A, E or G, by role and kind.",
	}, []string{"role", "kind"})

	parseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sip",
		Subsystem: "parser",
		Name:      "errors_total",
		Help:      "Inbound messages dropped due to parse errors, by transport.",
	}, []string{"transport"})
)

func init() {
	prometheus.MustRegister(transactionsCreated, transactionsTerminated, retransmissions, parseErrors)
}

func txKind(invite bool) string {
	if invite {
		return "INVITE"
	}
	return "non-INVITE"
}

func recordTxCreated(role string, invite bool) {
	transactionsCreated.WithLabelValues(role, txKind(invite)).Inc()
}

func recordTxTerminated(role string, invite bool) {
	transactionsTerminated.WithLabelValues(role, txKind(invite)).Inc()
}

func recordRetransmission(role string, invite bool) {
	retransmissions.WithLabelValues(role, txKind(invite)).Inc()
}

func recordParseError(transport string) {
	parseErrors.WithLabelValues(transport).Inc()
}
