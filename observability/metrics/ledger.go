package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	pledges         prometheus.Counter
	withdrawals     prometheus.Counter
	borrows         prometheus.Counter
	repays          prometheus.Counter
	settlements     prometheus.Counter
	batchCommits    prometheus.Counter
	batchRejections *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			pledges: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_pledges_total",
				Help: "Count of collateral units pledged into the ledger.",
			}),
			withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_withdrawals_total",
				Help: "Count of collateral units withdrawn from the ledger.",
			}),
			borrows: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_borrows_total",
				Help: "Count of debt increase operations.",
			}),
			repays: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_repays_total",
				Help: "Count of debt decrease operations.",
			}),
			settlements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_settlements_total",
				Help: "Count of completed marketplace settlements.",
			}),
			batchCommits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_batch_commits_total",
				Help: "Count of committed invariant-checked batches.",
			}),
			batchRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_batch_rejections_total",
				Help: "Count of discarded batches by rejection reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.pledges,
			ledgerRegistry.withdrawals,
			ledgerRegistry.borrows,
			ledgerRegistry.repays,
			ledgerRegistry.settlements,
			ledgerRegistry.batchCommits,
			ledgerRegistry.batchRejections,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) IncPledge() {
	if m == nil {
		return
	}
	m.pledges.Inc()
}

func (m *LedgerMetrics) IncWithdrawal() {
	if m == nil {
		return
	}
	m.withdrawals.Inc()
}

func (m *LedgerMetrics) IncBorrow() {
	if m == nil {
		return
	}
	m.borrows.Inc()
}

func (m *LedgerMetrics) IncRepay() {
	if m == nil {
		return
	}
	m.repays.Inc()
}

func (m *LedgerMetrics) IncSettlement() {
	if m == nil {
		return
	}
	m.settlements.Inc()
}

func (m *LedgerMetrics) IncBatchCommit() {
	if m == nil {
		return
	}
	m.batchCommits.Inc()
}

func (m *LedgerMetrics) IncBatchRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.batchRejections.WithLabelValues(reason).Inc()
}
