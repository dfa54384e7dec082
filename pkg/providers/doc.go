// Package providers pulls resource inventories from external
// systems-of-record and serves them through post-processing providers.
// Loaders refresh on an interval behind a circuit breaker and keep
// serving the last good snapshot when a source is down; a HealthTracker
// per loader reports staleness to the syncer and the readiness probe.
package providers
