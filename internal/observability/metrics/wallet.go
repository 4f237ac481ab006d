package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"WalletBridge/internal/client"
	"WalletBridge/internal/connector"
)

var walletStatuses = []client.Status{
	client.StatusDisconnected,
	client.StatusConnecting,
	client.StatusConnected,
	client.StatusReconnecting,
}

type walletMetrics struct {
	transitions  *prometheus.CounterVec
	transactions *prometheus.CounterVec
	status       *prometheus.GaugeVec
	chainID      prometheus.Gauge
}

func newWalletMetrics(reg prometheus.Registerer) *walletMetrics {
	m := &walletMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "transitions_total",
			Help:      "Wallet state transitions by reason and resulting status.",
		}, []string{"reason", "status"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions handed to the wallet by result.",
		}, []string{"result"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "status",
			Help:      "Current wallet connection status.",
		}, []string{"status"}),
		chainID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "chain_id",
			Help:      "Chain id of the connected wallet, 0 when unknown.",
		}),
	}
	reg.MustRegister(m.transitions, m.transactions, m.status, m.chainID)
	m.setState(client.StatusDisconnected, 0)
	return m
}

// TrackClient counts every state transition of c and exports its current
// status and chain. The returned function stops tracking.
func TrackClient(c *client.Client) connector.Unsubscribe {
	state := c.State()
	walletCollector.setState(state.Status, state.ChainID)
	return c.Subscribe(walletCollector.observeTransition)
}

// ObserveTransaction counts a submitted transaction by result, such as
// "submitted", "rejected" or "failed".
func ObserveTransaction(result string) {
	walletCollector.transactions.WithLabelValues(result).Inc()
}

func (m *walletMetrics) observeTransition(change client.Change) {
	m.transitions.WithLabelValues(string(change.Reason), string(change.Next.Status)).Inc()
	m.setState(change.Next.Status, change.Next.ChainID)
}

func (m *walletMetrics) setState(status client.Status, chainID uint64) {
	for _, s := range walletStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.status.WithLabelValues(string(s)).Set(value)
	}
	m.chainID.Set(float64(chainID))
}
