package docker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"drydock/internal/ipam"
)

// EnsureNetworks creates a bridge network per subnet of every manual network
// so containers can take the addresses the allocator hands out. Networks with
// more than one subnet are not supported by this cloud.
func EnsureNetworks(ctx context.Context, cli *client.Client, networks []*ipam.Network) error {
	for _, n := range networks {
		if n.Type != ipam.TypeManual {
			continue
		}
		if len(n.Subnets) != 1 {
			return fmt.Errorf("docker network %q: need exactly one subnet, have %d", n.Name, len(n.Subnets))
		}
		if _, err := EnsureNetwork(ctx, cli, n.Name, n.Subnets[0]); err != nil {
			return err
		}
	}
	return nil
}

// EnsureNetwork returns the id of the bridge network name, recreating it when
// its subnet no longer matches s.
func EnsureNetwork(ctx context.Context, cli *client.Client, name string, s *ipam.Subnet) (string, error) {
	want := ipamConfig(s)
	nw, err := cli.NetworkInspect(ctx, name, dockernetwork.InspectOptions{})
	switch {
	case err != nil && !errdefs.IsNotFound(err):
		return "", fmt.Errorf("inspect docker network %q: %w", name, err)
	case err == nil && len(nw.IPAM.Config) > 0 && nw.IPAM.Config[0].Subnet == want.Subnet:
		return nw.ID, nil
	case err == nil:
		if err := purgeNetworkContainers(ctx, cli, name, nw); err != nil {
			return "", err
		}
		if err := cli.NetworkRemove(ctx, name); err != nil {
			return "", fmt.Errorf("remove old docker network %q: %w", name, err)
		}
	}

	opts := dockernetwork.CreateOptions{
		Driver: "bridge",
		Scope:  "local",
		IPAM:   &dockernetwork.IPAM{Config: []dockernetwork.IPAMConfig{want}},
		Labels: map[string]string{labelManaged: "true"},
	}
	if s.Range.Is6() {
		enable := true
		opts.EnableIPv6 = &enable
	}
	created, err := cli.NetworkCreate(ctx, name, opts)
	if err != nil {
		return "", fmt.Errorf("create docker network %q: %w", name, err)
	}
	return created.ID, nil
}

func ipamConfig(s *ipam.Subnet) dockernetwork.IPAMConfig {
	cfg := dockernetwork.IPAMConfig{Subnet: s.Range.String()}
	if s.Gateway.IsValid() {
		cfg.Gateway = s.Gateway.String()
	}
	return cfg
}

func purgeNetworkContainers(ctx context.Context, cli *client.Client, name string, nw dockernetwork.Inspect) error {
	for id := range nw.Containers {
		if err := cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("remove container %q attached to docker network %q: %w", id, name, err)
		}
	}
	return nil
}
