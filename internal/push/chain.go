package push

import (
	"context"

	"github.com/example/ride-dispatch/internal/session"
)

// Chain tries the primary transport (the live socket) first and falls back
// to push when the driver has no connection.
type Chain struct {
	Primary  session.DriverNotifier
	Fallback session.DriverNotifier
}

func (c *Chain) NotifyDriver(ctx context.Context, driverID string, ev session.Event) error {
	err := c.Primary.NotifyDriver(ctx, driverID, ev)
	if err == nil || c.Fallback == nil {
		return err
	}
	return c.Fallback.NotifyDriver(ctx, driverID, ev)
}
