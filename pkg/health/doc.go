/*
Package health provides health check primitives for monitoring cluster
peers and local dependencies.

Three checkers share one Checker interface: TCP (is a peer's
replication port accepting connections), HTTP (does a peer's health
endpoint answer), and Exec (an operator-defined probe command). A
Status accumulates results per target with consecutive-failure
hysteresis, so one dropped packet does not flip a node to unhealthy,
and an optional StartPeriod makes InStartPeriod report true for a fixed
time after monitoring of a target begins (the replication monitor
counts such a peer as unhealthy; its StartPeriod is zero).

Usage:

	checker := health.NewTCPChecker("10.0.0.2:7700").WithTimeout(3 * time.Second)
	status := health.NewStatus()
	cfg := health.DefaultConfig()

	result := checker.Check(ctx)
	status.Update(result, cfg)
	if !status.Healthy {
		// peer is down after cfg.Retries consecutive failures
	}

The replication service's health monitor feeds these statuses from its
probe loop, and the shard healer sees them through the service's
HealthyNodes when choosing copy sources and heal targets.
*/
package health
