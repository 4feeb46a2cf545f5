package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bunkerpos/backend/internal/domain"
)

const (
	ReasonValidation   = "validation"
	ReasonNotFound     = "not_found"
	ReasonStock        = "insufficient_stock"
	ReasonCredit       = "insufficient_credit"
	ReasonFrozen       = "customer_frozen"
	ReasonExclusion    = "mutual_exclusion"
	ReasonSettled      = "already_settled"
	ReasonIdempotency  = "idempotency"
	ReasonTransition   = "invalid_transition"
	ReasonContention   = "lock_contention"
	ReasonCanceled     = "canceled"
	ReasonUnknown      = "unknown"
	outcomeOK          = "ok"
	outcomeError       = "error"
	defaultServiceName = "bunkerpos"
)

// Metrics holds the ledger instruments. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec
	salesTotal        *prometheus.CounterVec
	saleLiters        *prometheus.CounterVec
	restockLiters     *prometheus.CounterVec
	voids             prometheus.Counter
	repayments        prometheus.Counter
	shiftsClosed      *prometheus.CounterVec
	shiftDiscrepancy  prometheus.Histogram
	eventsDropped     *prometheus.CounterVec
}

func New(serviceName string) *Metrics {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	constLabels := prometheus.Labels{"service": serviceName}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "bunkerpos_ledger_operation_duration_seconds",
			Help:        "Ledger unit-of-work latency including row lock waits.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}, []string{"op", "outcome"}),
		operationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunkerpos_ledger_operation_errors_total",
			Help:        "Ledger operation failures by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"op", "reason"}),
		salesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunkerpos_sales_total",
			Help:        "Recorded sales by payment method.",
			ConstLabels: constLabels,
		}, []string{"payment_method"}),
		saleLiters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunkerpos_sale_liters_total",
			Help:        "Liters sold by product.",
			ConstLabels: constLabels,
		}, []string{"product"}),
		restockLiters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunkerpos_restock_liters_total",
			Help:        "Liters received by product.",
			ConstLabels: constLabels,
		}, []string{"product"}),
		voids: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bunkerpos_transactions_returned_total",
			Help:        "Transactions voided.",
			ConstLabels: constLabels,
		}),
		repayments: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bunkerpos_debt_repayments_total",
			Help:        "Bon transactions settled.",
			ConstLabels: constLabels,
		}),
		shiftsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunkerpos_shifts_closed_total",
			Help:        "Closed pump shifts split by whether they need an audit.",
			ConstLabels: constLabels,
		}, []string{"needs_audit"}),
		shiftDiscrepancy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "bunkerpos_shift_liter_discrepancy_abs",
			Help:        "Absolute liters between system sales and totalizer at shift close.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50, 100},
			ConstLabels: constLabels,
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunkerpos_events_dropped_total",
			Help:        "Domain events not delivered to the notification sink.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
	}
	m.registry.MustRegister(
		m.operationDuration,
		m.operationErrors,
		m.salesTotal,
		m.saleLiters,
		m.restockLiters,
		m.voids,
		m.repayments,
		m.shiftsClosed,
		m.shiftDiscrepancy,
		m.eventsDropped,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(op string, startedAt time.Time, err error) {
	if m == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		outcome = outcomeError
		m.operationErrors.WithLabelValues(op, ClassifyError(err)).Inc()
	}
	m.operationDuration.WithLabelValues(op, outcome).Observe(time.Since(startedAt).Seconds())
}

func (m *Metrics) RecordSale(method domain.PaymentMethod, items []domain.TransactionItem) {
	if m == nil {
		return
	}
	m.salesTotal.WithLabelValues(string(method)).Inc()
	for _, item := range items {
		m.saleLiters.WithLabelValues(item.ProductID).Add(item.QuantityLiter.InexactFloat64())
	}
}

func (m *Metrics) RecordRestock(productID string, liters float64) {
	if m == nil {
		return
	}
	m.restockLiters.WithLabelValues(productID).Add(liters)
}

func (m *Metrics) RecordVoid() {
	if m == nil {
		return
	}
	m.voids.Inc()
}

func (m *Metrics) RecordRepayment() {
	if m == nil {
		return
	}
	m.repayments.Inc()
}

func (m *Metrics) RecordShiftClose(absDiscrepancy float64, needsAudit bool) {
	if m == nil {
		return
	}
	label := "false"
	if needsAudit {
		label = "true"
	}
	m.shiftsClosed.WithLabelValues(label).Inc()
	m.shiftDiscrepancy.Observe(absDiscrepancy)
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// ClassifyError maps ledger errors to a bounded label set.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrValidation):
		return ReasonValidation
	case errors.Is(err, domain.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return ReasonStock
	case errors.Is(err, domain.ErrInsufficientCredit):
		return ReasonCredit
	case errors.Is(err, domain.ErrCustomerFrozen):
		return ReasonFrozen
	case errors.Is(err, domain.ErrMutualExclusion):
		return ReasonExclusion
	case errors.Is(err, domain.ErrAlreadySettled):
		return ReasonSettled
	case errors.Is(err, domain.ErrIdempotency):
		return ReasonIdempotency
	case errors.Is(err, domain.ErrInvalidTransition):
		return ReasonTransition
	case errors.Is(err, domain.ErrLockContention):
		return ReasonContention
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	default:
		return ReasonUnknown
	}
}
