package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"drydock/internal/deploy"
)

const (
	labelManaged  = "drydock.managed"
	labelAgentID  = "drydock.agent_id"
	labelMetadata = "drydock.meta."

	// DiskMountPath is where the VM's persistent disk appears inside it.
	DiskMountPath = "/var/vcap/store"
)

var _ deploy.Cloud = (*Cloud)(nil)

// Cloud runs VMs as containers and persistent disks as named volumes on one
// Docker engine. Volumes cannot be hot-plugged into a running container, so
// disks listed in a create request's DiskLocality are mounted at create time
// and later attachments are tracked in process.
type Cloud struct {
	cli            *client.Client
	defaultNetwork string
	helperImage    string
	log            *slog.Logger

	mu           sync.Mutex
	attachments  map[string]map[string]struct{} // vm -> disks
	vmMetadata   map[string]map[string]string
	diskMetadata map[string]map[string]string
}

type Option func(*Cloud)

// WithDefaultNetwork names the docker network VMs without a manual address
// join.
func WithDefaultNetwork(name string) Option {
	return func(c *Cloud) { c.defaultNetwork = name }
}

// WithHelperImage sets the image used for disk snapshot copies.
func WithHelperImage(ref string) Option {
	return func(c *Cloud) { c.helperImage = ref }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cloud) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient connects to host, or to the engine from the environment when
// host is empty.
func NewClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

func NewCloud(cli *client.Client, opts ...Option) *Cloud {
	c := &Cloud{
		cli:          cli,
		helperImage:  "busybox:stable",
		log:          slog.With("component", "docker-cloud"),
		attachments:  make(map[string]map[string]struct{}),
		vmMetadata:   make(map[string]map[string]string),
		diskMetadata: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cloud) Close() error {
	return c.cli.Close()
}

func (c *Cloud) CreateVM(ctx context.Context, req deploy.CreateVMRequest) (string, error) {
	cc, hc, nc, err := c.containerConfig(req)
	if err != nil {
		return "", err
	}
	name := containerName(req.AgentID)

	resp, err := c.cli.ContainerCreate(ctx, cc, hc, nc, nil, name)
	if err != nil && errdefs.IsNotFound(err) {
		if pullErr := c.pull(ctx, req.Stemcell); pullErr != nil {
			return "", pullErr
		}
		resp, err = c.cli.ContainerCreate(ctx, cc, hc, nc, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container %q: %w", name, err)
	}

	c.mu.Lock()
	if len(req.DiskLocality) > 0 {
		disks := make(map[string]struct{}, len(req.DiskLocality))
		for _, d := range req.DiskLocality {
			disks[d] = struct{}{}
		}
		c.attachments[resp.ID] = disks
	}
	c.vmMetadata[resp.ID] = maps.Clone(req.Metadata)
	c.mu.Unlock()

	c.log.Debug("Created vm", "cid", resp.ID, "name", name, "stemcell", req.Stemcell)
	return resp.ID, nil
}

func (c *Cloud) containerConfig(req deploy.CreateVMRequest) (*container.Config, *container.HostConfig, *dockernetwork.NetworkingConfig, error) {
	labels := map[string]string{
		labelManaged: "true",
		labelAgentID: req.AgentID,
	}
	for k, v := range req.Metadata {
		labels[labelMetadata+k] = v
	}

	cc := &container.Config{
		Image:  req.Stemcell,
		Env:    envList(req.AgentID, req.Env),
		Labels: labels,
	}
	hc := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	ports, err := portSpecs(req.CloudProperties)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(ports) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(ports)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse ports: %w", err)
		}
		cc.ExposedPorts = exposed
		hc.PortBindings = bindings
	}

	for _, disk := range req.DiskLocality {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: disk,
			Target: DiskMountPath,
		})
	}

	nc := &dockernetwork.NetworkingConfig{EndpointsConfig: make(map[string]*dockernetwork.EndpointSettings)}
	for _, r := range req.Networks {
		settings := &dockernetwork.EndpointSettings{}
		if r.Resolved() {
			settings.IPAMConfig = endpointIPAM(r.Addr)
		}
		nc.EndpointsConfig[r.Network] = settings
	}
	if len(nc.EndpointsConfig) == 0 && c.defaultNetwork != "" {
		nc.EndpointsConfig[c.defaultNetwork] = &dockernetwork.EndpointSettings{}
	}
	return cc, hc, nc, nil
}

func (c *Cloud) pull(ctx context.Context, ref string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull stemcell %q: %w", ref, err)
	}
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
	return nil
}

func (c *Cloud) DeleteVM(ctx context.Context, vmCID string) error {
	err := c.cli.ContainerRemove(ctx, vmCID, container.RemoveOptions{Force: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("delete vm %s: %w", vmCID, deploy.ErrVMNotFound)
		}
		return fmt.Errorf("delete vm %s: %w", vmCID, err)
	}
	c.mu.Lock()
	delete(c.attachments, vmCID)
	delete(c.vmMetadata, vmCID)
	c.mu.Unlock()
	return nil
}

func (c *Cloud) SetVMMetadata(ctx context.Context, vmCID string, metadata map[string]string) error {
	if err := c.requireVM(ctx, vmCID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vmMetadata[vmCID] = maps.Clone(metadata)
	return nil
}

// VMMetadata returns the metadata last set on vmCID.
func (c *Cloud) VMMetadata(vmCID string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.vmMetadata[vmCID])
}

func endpointIPAM(addr netip.Addr) *dockernetwork.EndpointIPAMConfig {
	if addr.Is6() && !addr.Is4In6() {
		return &dockernetwork.EndpointIPAMConfig{IPv6Address: addr.String()}
	}
	return &dockernetwork.EndpointIPAMConfig{IPv4Address: addr.Unmap().String()}
}

func containerName(agentID string) string {
	return "drydock-" + agentID
}

func envList(agentID string, env map[string]any) []string {
	out := []string{"DRYDOCK_AGENT_ID=" + agentID}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, fmt.Sprintf("%s=%v", strings.ToUpper(k), env[k]))
	}
	return out
}

// portSpecs reads cloud_properties.ports, a list of docker port specs such
// as "8080:80/tcp".
func portSpecs(props map[string]any) ([]string, error) {
	raw, ok := props["ports"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New("cloud_properties.ports must be a list")
	}
	out := make([]string, 0, len(list))
	for i, v := range list {
		switch p := v.(type) {
		case string:
			out = append(out, p)
		case int:
			out = append(out, fmt.Sprintf("%d", p))
		default:
			return nil, fmt.Errorf("cloud_properties.ports[%d]: unsupported value %v", i, v)
		}
	}
	return out, nil
}
