package ntr

import (
	"context"
	"time"
)

// heartbeatLoop keeps the debugger from dropping an idle connection. A new
// heartbeat goes out only after the previous one was acknowledged.
func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.heartbeatCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			sent, err := c.sender.trySendHeartbeat(ctx, now, c.opts.heartbeat)
			if err != nil {
				c.logger.Warn("heartbeat failed", "addr", c.Addr(), "error", err)
				return err
			}
			if sent {
				c.logger.Debug("heartbeat sent", "addr", c.Addr())
			}
		}
	}
}
