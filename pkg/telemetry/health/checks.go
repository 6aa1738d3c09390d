package health

import (
	"context"
	"fmt"
	"time"

	"tillpoint/evictor/pkg/retention"
)

// Pinger is a backend that can check its own connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck checks a database-backed component.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

// ScheduleCheck fails when the next eviction epoch is more than grace in
// the past, which means the background host never fired the job. A zero
// epoch means eviction is disabled and always passes.
func ScheduleCheck(next func() time.Time, clock retention.Clock, grace time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		epoch := next()
		if epoch.IsZero() {
			return nil
		}
		if late := clock.Now().Sub(epoch); late > grace {
			return fmt.Errorf("eviction overdue by %s", late.Truncate(time.Second))
		}
		return nil
	}
}
