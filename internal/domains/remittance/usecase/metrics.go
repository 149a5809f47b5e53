package usecase

import (
	"remit-sync/go-backend/internal/domains/remittance/model"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "remittance"

// Metrics holds the synchronizer's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	merges             *prometheus.CounterVec
	conflicts          *prometheus.CounterVec
	invalidInputs      *prometheus.CounterVec
	records            *prometheus.GaugeVec
	confirmations      *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	subscriptionErrors *prometheus.CounterVec
	resubscribes       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merges_total",
			Help:      "Merges applied to the entity store by input source and outcome.",
		}, []string{"source", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merge_conflicts_total",
			Help:      "Merges flagged as conflicting by input source.",
		}, []string{"source"}),
		invalidInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "merge_invalid_inputs_total",
			Help:      "Inputs refused by the merge engine by source.",
		}, []string{"source"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "records",
			Help:      "Records currently held in the entity store by status.",
		}, []string{"status"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "confirmations_total",
			Help:      "Confirmation poller results.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submissions_total",
			Help:      "User submissions by kind and synchronous result.",
		}, []string{"kind", "result"}),
		subscriptionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "subscription_errors_total",
			Help:      "Errors reported by ledger event subscriptions.",
		}, []string{"kind"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resubscribes_total",
			Help:      "Times a ledger event subscription was re-established.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.merges,
			m.conflicts,
			m.invalidInputs,
			m.records,
			m.confirmations,
			m.submissions,
			m.subscriptionErrors,
			m.resubscribes,
		)
	}
	return m
}

func (m *Metrics) observeMerge(source string, outcome model.Outcome, conflict bool) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(source, string(outcome)).Inc()
	if conflict {
		m.conflicts.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) observeInvalid(source string) {
	if m == nil {
		return
	}
	m.invalidInputs.WithLabelValues(source).Inc()
}

func (m *Metrics) moveRecord(from, to model.Status) {
	if m == nil || from == to {
		return
	}
	if from != model.StatusUnknown {
		m.records.WithLabelValues(from.String()).Dec()
	}
	if to != model.StatusUnknown {
		m.records.WithLabelValues(to.String()).Inc()
	}
}

func (m *Metrics) observeConfirmation(result string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(result).Inc()
}

func (m *Metrics) observeSubmission(kind model.IntentKind, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) observeSubscriptionError(kind model.EventKind) {
	if m == nil {
		return
	}
	m.subscriptionErrors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeResubscribe(kind model.EventKind) {
	if m == nil {
		return
	}
	m.resubscribes.WithLabelValues(string(kind)).Inc()
}
