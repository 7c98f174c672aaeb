package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/client"
)

// WaitReady pings the engine every interval until it answers. Only
// connection failures are retried.
func (c *Cloud) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := c.cli.Ping(ctx)
		if err == nil {
			if waiting {
				c.log.Debug("Docker engine reachable")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker engine: %w", err)
		}
		if !waiting {
			waiting = true
			c.log.Info("Waiting for docker engine", "host", c.cli.DaemonHost())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Client exposes the engine client for network setup.
func (c *Cloud) Client() *client.Client {
	return c.cli
}
