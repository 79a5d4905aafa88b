package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// VaultMetrics counts engine operations. All methods are nil-receiver safe so
// the engine can run without a registry wired in.
type VaultMetrics struct {
	registrations prometheus.Counter
	unlockOK      prometheus.Counter
	unlockFail    prometheus.Counter
	secretWrites  prometheus.Counter
	recoveries    prometheus.Counter
	unlocked      prometheus.Gauge
}

func NewVaultMetrics(reg prometheus.Registerer) *VaultMetrics {
	m := &VaultMetrics{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold", Subsystem: "vault", Name: "registrations_total",
			Help: "Identities registered.",
		}),
		unlockOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold", Subsystem: "vault", Name: "unlock_success_total",
			Help: "Successful unlock operations.",
		}),
		unlockFail: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold", Subsystem: "vault", Name: "unlock_failure_total",
			Help: "Failed unlock operations.",
		}),
		secretWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold", Subsystem: "vault", Name: "secret_writes_total",
			Help: "Secret save and delete operations.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keyfold", Subsystem: "vault", Name: "recoveries_total",
			Help: "Completed recovery operations.",
		}),
		unlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyfold", Subsystem: "vault", Name: "session_unlocked",
			Help: "1 while a session is established.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.registrations, m.unlockOK, m.unlockFail, m.secretWrites, m.recoveries, m.unlocked)
	}
	return m
}

func (m *VaultMetrics) Registration() {
	if m != nil {
		m.registrations.Inc()
	}
}

func (m *VaultMetrics) UnlockSuccess() {
	if m != nil {
		m.unlockOK.Inc()
	}
}

func (m *VaultMetrics) UnlockFailure() {
	if m != nil {
		m.unlockFail.Inc()
	}
}

func (m *VaultMetrics) SecretWrite() {
	if m != nil {
		m.secretWrites.Inc()
	}
}

func (m *VaultMetrics) Recovery() {
	if m != nil {
		m.recoveries.Inc()
	}
}

func (m *VaultMetrics) SessionUnlocked(unlocked bool) {
	if m == nil {
		return
	}
	if unlocked {
		m.unlocked.Set(1)
	} else {
		m.unlocked.Set(0)
	}
}
