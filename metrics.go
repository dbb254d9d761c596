package sipstack

import "github.com/prometheus/client_golang/prometheus"

// activeDialogs tracks dialogs currently held in the DialogClient and
// DialogServer caches, labeled by role. Registered on the default registry
// so embedders get it for free next to the sip package transaction counters.
var activeDialogs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sip",
	Subsystem: "dialog",
	Name:      "active",
	Help:      "Dialogs currently tracked, by role.",
}, []string{"role"})

func init() {
	prometheus.MustRegister(activeDialogs)
}
