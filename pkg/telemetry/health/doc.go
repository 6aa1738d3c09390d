// Package health exposes liveness and readiness probes for evictd.
//
// Liveness (/healthz) only reports that the process is running. Readiness
// (/readyz) runs every registered check concurrently, each under its own
// timeout, and answers 503 when any of them fails:
//
//	checker := health.New(5 * time.Second)
//	checker.RegisterCheck("store", health.PingCheck(docStore))
//	checker.RegisterCheck("schedule", health.ScheduleCheck(svc.NextEligible, clock, 15*time.Minute))
//	health.Mount(mux, checker)
//
// Example readiness response:
//
//	{
//	    "status": "degraded",
//	    "checks": {
//	        "store": {"status": "ok"},
//	        "schedule": {"status": "unhealthy", "message": "eviction overdue by 2h0m0s"}
//	    },
//	    "timestamp": "2025-06-10T03:00:00Z"
//	}
package health
