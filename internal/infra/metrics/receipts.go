package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		receiptsOpenedTotal,
		receiptsClosedTotal,
		receiptItemsEmitted,
	)
}

var (
	receiptsOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipts_opened_total",
			Help: "Receipts opened, labeled by owner kind (attendee/group).",
		},
		[]string{"kind"},
	)

	receiptsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipts_closed_total",
			Help: "Receipts closed by reason (reset/reseeded/cancelled).",
		},
		[]string{"reason"},
	)

	receiptItemsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "receipt_items_emitted_total",
			Help: "Difference items appended by reconciliation.",
		},
	)
)

func IncReceiptOpened(kind string) {
	receiptsOpenedTotal.WithLabelValues(norm(kind)).Inc()
}

func IncReceiptClosed(reason string) {
	receiptsClosedTotal.WithLabelValues(norm(reason)).Inc()
}

func AddItemsEmitted(n int) {
	receiptItemsEmitted.Add(float64(n))
}
