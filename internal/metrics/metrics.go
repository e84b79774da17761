// Package metrics holds the prometheus collectors for allocation and DHCP
// synchronization. Collectors live on a private registry so tests and
// multiple instances never collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipamd"

// Allocation results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics is the set of collectors shared by the ipam and dhcp packages.
type Metrics struct {
	registry *prometheus.Registry

	Allocations       *prometheus.CounterVec
	AllocationRetries prometheus.Counter
	PoolRefills       prometheus.Counter
	DHCPSyncs         *prometheus.CounterVec
	DHCPHostUpdates   *prometheus.CounterVec
}

// New creates the collectors and registers them, with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Address allocations by result.",
		}, []string{"result"}),
		AllocationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_retries_total",
			Help:      "Allocation attempts retried after a unique constraint conflict.",
		}),
		PoolRefills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_refills_total",
			Help:      "Allocation pool refills from the free range computation.",
		}),
		DHCPSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhcp_sync_total",
			Help:      "DHCP synchronization passes by daemon and chosen action.",
		}, []string{"daemon", "action"}),
		DHCPHostUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhcp_host_updates_total",
			Help:      "Incremental host mapping operations by daemon and operation.",
		}, []string{"daemon", "op"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Allocations,
		m.AllocationRetries,
		m.PoolRefills,
		m.DHCPSyncs,
		m.DHCPHostUpdates,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
