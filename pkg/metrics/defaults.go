package metrics

import "sync"

// Default metrics for the daemon, initialized by Init.
//
// Label conventions: the server label carries the definition ID; reason and
// status labels use lowercase snake_case values.
var (
	// InstanceState tracks each instance's lifecycle state on a numeric
	// scale (0 stopped through 7 crash_loop).
	// Labels: server
	InstanceState *Gauge

	// RestartsTotal counts automatic restart attempts.
	// Labels: server
	RestartsTotal *Counter

	// PolicyRejectionsTotal counts invoke calls rejected at the policy
	// boundary.
	// Labels: server, reason (auth, blocked, concurrency, rate, budget)
	PolicyRejectionsTotal *Counter

	// InvokesTotal counts invoke calls routed to instances.
	// Labels: server, status (ok, error)
	InvokesTotal *Counter

	// ProbeFailuresTotal counts failed health probes.
	// Labels: server
	ProbeFailuresTotal *Counter

	// AdminRequestsTotal counts control API requests.
	// Labels: method, status
	AdminRequestsTotal *Counter

	defaultRegistry *Registry
	initOnce        sync.Once
)

// Init builds the default registry and metric families. Idempotent.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		InstanceState = defaultRegistry.NewGauge(
			"fleetd_instance_state",
			"Lifecycle state per instance (0 stopped .. 7 crash_loop)",
			"server",
		)
		RestartsTotal = defaultRegistry.NewCounter(
			"fleetd_restarts_total",
			"Automatic restart attempts per instance",
			"server",
		)
		PolicyRejectionsTotal = defaultRegistry.NewCounter(
			"fleetd_policy_rejections_total",
			"Invoke calls rejected by the security policy",
			"server", "reason",
		)
		InvokesTotal = defaultRegistry.NewCounter(
			"fleetd_invokes_total",
			"Invoke calls routed to instances",
			"server", "status",
		)
		ProbeFailuresTotal = defaultRegistry.NewCounter(
			"fleetd_probe_failures_total",
			"Failed health probes per instance",
			"server",
		)
		AdminRequestsTotal = defaultRegistry.NewCounter(
			"fleetd_admin_requests_total",
			"Control API requests",
			"method", "status",
		)
	})
	return defaultRegistry
}
