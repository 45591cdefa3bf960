package rpc

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	EvLoopIterations      prometheus.Counter
	PktsDropped           *prometheus.CounterVec
	UnexpCreditsExhausted prometheus.Counter
	CreditReturnsSent     prometheus.Counter
	SmRetries             prometheus.Counter
}

func init() {
	prom.EvLoopIterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "frpc",
		Subsystem: "rpc",
		Name:      "ev_loop_iterations",
		Help:      "Number of event loop iterations",
	})
	prom.PktsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frpc",
		Subsystem: "rpc",
		Name:      "pkts_dropped",
		Help:      "Number of received packets dropped, by reason",
	}, []string{"reason"})
	prom.UnexpCreditsExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "frpc",
		Subsystem: "rpc",
		Name:      "unexp_credits_exhausted",
		Help:      "Number of packets dropped because the unexpected-packet window was exhausted. Should alert on this",
	})
	prom.CreditReturnsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "frpc",
		Subsystem: "rpc",
		Name:      "credit_returns_sent",
		Help:      "Number of explicit credit-return packets sent",
	})
	prom.SmRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "frpc",
		Subsystem: "rpc",
		Name:      "sm_retries",
		Help:      "Number of session management request retransmissions",
	})
}

// PrometheusRegister registers the engine's metrics with registry.
func PrometheusRegister(registry prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		prom.EvLoopIterations,
		prom.PktsDropped,
		prom.UnexpCreditsExhausted,
		prom.CreditReturnsSent,
		prom.SmRetries,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
