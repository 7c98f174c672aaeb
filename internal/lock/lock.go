// Package lock serializes deploys of one deployment across processes.
package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 100 * time.Millisecond

// DeploymentLock is an exclusive flock(2) on <dir>/<deployment>.lock. Lock
// files are long-lived and never deleted after use.
type DeploymentLock struct {
	deployment string
	fl         *flock.Flock
}

func ForDeployment(dir, deployment string) (*DeploymentLock, error) {
	name := strings.TrimSpace(deployment)
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid deployment name %q", deployment)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &DeploymentLock{
		deployment: name,
		fl:         flock.New(filepath.Join(dir, name+".lock")),
	}, nil
}

// Lock blocks until the lock is held or ctx is done.
func (l *DeploymentLock) Lock(ctx context.Context) error {
	locked, err := l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("lock deployment %s: %w", l.deployment, err)
	}
	if !locked {
		return fmt.Errorf("lock deployment %s: context done", l.deployment)
	}
	return nil
}

// TryLock reports false when another process holds the lock.
func (l *DeploymentLock) TryLock() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock deployment %s: %w", l.deployment, err)
	}
	return locked, nil
}

func (l *DeploymentLock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock deployment %s: %w", l.deployment, err)
	}
	return nil
}

func (l *DeploymentLock) Path() string { return l.fl.Path() }

// With holds the deployment lock while fn runs.
func With(ctx context.Context, l *DeploymentLock, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock() //nolint:errcheck
	return fn()
}
