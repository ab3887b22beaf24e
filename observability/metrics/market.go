package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Settlement path labels.
const (
	PathVerify        = "verify"
	PathForce         = "force"
	PathDisputeSeller = "dispute_seller"
	PathDisputeBuyer  = "dispute_buyer"
)

// MarketMetrics aggregates the counters exported by the market engine's
// event stream.
type MarketMetrics struct {
	listingsCreated prometheus.Counter
	purchases       prometheus.Counter
	disputes        prometheus.Counter
	settlements     *prometheus.CounterVec
	deposits        prometheus.Counter
	withdrawals     prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide market metrics, registering them on first
// use.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			listingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_listings_created_total",
				Help: "Count of listings created.",
			}),
			purchases: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_purchases_total",
				Help: "Count of purchases opened.",
			}),
			disputes: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_disputes_total",
				Help: "Count of purchases disputed by buyers.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_settlements_total",
				Help: "Count of terminal settlements by path.",
			}, []string{"path"}),
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_collateral_deposits_total",
				Help: "Count of collateral deposits.",
			}),
			withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_collateral_withdrawals_total",
				Help: "Count of collateral withdrawals.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.listingsCreated,
			marketRegistry.purchases,
			marketRegistry.disputes,
			marketRegistry.settlements,
			marketRegistry.deposits,
			marketRegistry.withdrawals,
		)
	})
	return marketRegistry
}

// ListingCreated increments the listing counter.
func (m *MarketMetrics) ListingCreated() { m.listingsCreated.Inc() }

// PurchaseOpened increments the purchase counter.
func (m *MarketMetrics) PurchaseOpened() { m.purchases.Inc() }

// DisputeOpened increments the dispute counter.
func (m *MarketMetrics) DisputeOpened() { m.disputes.Inc() }

// Settled increments the settlement counter for the given path.
func (m *MarketMetrics) Settled(path string) { m.settlements.WithLabelValues(path).Inc() }

// CollateralDeposited increments the deposit counter.
func (m *MarketMetrics) CollateralDeposited() { m.deposits.Inc() }

// CollateralWithdrawn increments the withdrawal counter.
func (m *MarketMetrics) CollateralWithdrawn() { m.withdrawals.Inc() }
