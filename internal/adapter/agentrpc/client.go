// Package agentrpc talks to VM agents over gRPC. Requests and responses are
// google.protobuf.Struct messages so the agent protocol stays schemaless.
package agentrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"drydock/internal/deploy"
)

const servicePrefix = "/drydock.agent.v1.Agent/"

var _ deploy.AgentFactory = (*Factory)(nil)

// Factory hands out agent clients, sharing one connection per target.
type Factory struct {
	target       func(agentID string) string
	dialOpts     []grpc.DialOption
	readyTimeout time.Duration
	pollInterval time.Duration
	log          *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

type Option func(*Factory)

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(f *Factory) { f.dialOpts = append(f.dialOpts, opts...) }
}

// WithReadyTimeout bounds WaitUntilReady.
func WithReadyTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.readyTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFactory builds clients dialing target(agentID).
func NewFactory(target func(agentID string) string, opts ...Option) *Factory {
	f := &Factory{
		target: target,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		},
		readyTimeout: 10 * time.Minute,
		pollInterval: time.Second,
		log:          slog.Default(),
		conns:        make(map[string]*grpc.ClientConn),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) ForAgent(agentID string) deploy.Agent {
	conn, err := f.conn(agentID)
	return &Client{agentID: agentID, conn: conn, err: err, factory: f}
}

func (f *Factory) conn(agentID string) (*grpc.ClientConn, error) {
	target := f.target(agentID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.conns[target]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(target, f.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("agent %s: grpc client for %q: %w", agentID, target, err)
	}
	f.conns[target] = conn
	return conn, nil
}

// Close closes every connection handed out.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for target, conn := range f.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", target, err))
		}
	}
	clear(f.conns)
	return errors.Join(errs...)
}

var _ deploy.Agent = (*Client)(nil)

// Client is the agent of one VM.
type Client struct {
	agentID string
	conn    *grpc.ClientConn
	err     error
	factory *Factory
}

func (c *Client) call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	if c.err != nil {
		return nil, c.err
	}
	req, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("agent %s %s: encode request: %w", c.agentID, method, err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, servicePrefix+method, req, resp); err != nil {
		// Keep the status in the chain so callers can match codes.
		return nil, fmt.Errorf("agent %s %s: %w", c.agentID, method, err)
	}
	return resp.AsMap(), nil
}

func (c *Client) Apply(ctx context.Context, spec map[string]any) error {
	_, err := c.call(ctx, "Apply", map[string]any{"spec": spec})
	return err
}

func (c *Client) Prepare(ctx context.Context, spec map[string]any) error {
	_, err := c.call(ctx, "Prepare", map[string]any{"spec": spec})
	return err
}

func (c *Client) Start(ctx context.Context) error {
	_, err := c.call(ctx, "Start", nil)
	return err
}

func (c *Client) Stop(ctx context.Context, intent deploy.StopIntent) error {
	_, err := c.call(ctx, "Stop", map[string]any{"intent": intent.String()})
	return err
}

func (c *Client) Drain(ctx context.Context, kind string, spec map[string]any) (int, error) {
	resp, err := c.call(ctx, "Drain", map[string]any{"type": kind, "spec": spec})
	if err != nil {
		return 0, err
	}
	return intField(resp, "seconds"), nil
}

func (c *Client) DrainStatus(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, "DrainStatus", nil)
	if err != nil {
		return 0, err
	}
	return intField(resp, "seconds"), nil
}

func (c *Client) RunScript(ctx context.Context, name string, env map[string]string) error {
	vars := make(map[string]any, len(env))
	for k, v := range env {
		vars[k] = v
	}
	_, err := c.call(ctx, "RunScript", map[string]any{"name": name, "env": vars})
	return err
}

func (c *Client) GetState(ctx context.Context) (deploy.AgentState, error) {
	resp, err := c.call(ctx, "GetState", nil)
	if err != nil {
		return deploy.AgentState{}, err
	}
	state := deploy.AgentState{JobState: stringField(resp, "job_state")}
	procs, _ := resp["processes"].([]any)
	for _, p := range procs {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		state.Processes = append(state.Processes, deploy.ProcessState{
			Name:  stringField(m, "name"),
			State: stringField(m, "state"),
		})
	}
	return state, nil
}

func (c *Client) ListDisk(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, "ListDisk", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["disks"].([]any)
	disks := make([]string, 0, len(raw))
	for _, d := range raw {
		if s, ok := d.(string); ok {
			disks = append(disks, s)
		}
	}
	return disks, nil
}

func (c *Client) MountDisk(ctx context.Context, diskCID string) error {
	_, err := c.call(ctx, "MountDisk", map[string]any{"disk_cid": diskCID})
	return err
}

func (c *Client) UnmountDisk(ctx context.Context, diskCID string) error {
	_, err := c.call(ctx, "UnmountDisk", map[string]any{"disk_cid": diskCID})
	return err
}

func (c *Client) MigrateDisk(ctx context.Context, fromCID, toCID string) error {
	_, err := c.call(ctx, "MigrateDisk", map[string]any{"from_disk_cid": fromCID, "to_disk_cid": toCID})
	return err
}

func (c *Client) UpdateSettings(ctx context.Context, settings map[string]any) error {
	_, err := c.call(ctx, "UpdateSettings", map[string]any{"settings": maps.Clone(settings)})
	return err
}

// WaitUntilReady pings the agent until it answers or the factory's ready
// timeout passes. Unavailable agents are retried; other errors are not.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.factory.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(c.factory.pollInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		_, err := c.call(ctx, "Ping", nil)
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
		default:
			return err
		}
		c.factory.log.Debug("Agent not ready", "agent_id", c.agentID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("agent %s not ready after %s: %w", c.agentID, c.factory.readyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// intField reads a number; structpb carries every number as float64.
func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}
