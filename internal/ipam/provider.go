package ipam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"drydock/internal/check"
)

const DefaultAllocationRetries = 32

// Provider applies address policy (subnet lookup, restricted ranges,
// static/dynamic typing, AZ placement) on top of a Repo. It is safe for
// concurrent use when the Repo is.
type Provider struct {
	repo     Repo
	vips     *VipRepo
	networks map[string]*Network
	retries  int
	log      *slog.Logger
}

type ProviderOption func(*Provider)

// WithAllocationRetries bounds how often a conflicting dynamic allocation is
// retried per subnet.
func WithAllocationRetries(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.retries = n
		}
	}
}

func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

func NewProvider(repo Repo, vips *VipRepo, networks []*Network, opts ...ProviderOption) *Provider {
	check.Assert(repo != nil, "ipam.NewProvider: repo must not be nil")
	if vips == nil {
		vips = NewVipRepo()
	}
	p := &Provider{
		repo:     repo,
		vips:     vips,
		networks: make(map[string]*Network, len(networks)),
		retries:  DefaultAllocationRetries,
		log:      slog.Default(),
	}
	for _, n := range networks {
		p.networks[n.Name] = n
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Network(name string) (*Network, bool) {
	n, ok := p.networks[name]
	return n, ok
}

func (p *Provider) network(name string) (*Network, error) {
	n, ok := p.networks[name]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", name)
	}
	return n, nil
}

// Reserve records the explicit address carried by r.
func (p *Provider) Reserve(ctx context.Context, r *Reservation) error {
	if !r.Resolved() {
		return fmt.Errorf("reserve %s: %w", r, ErrReservationIPMissing)
	}
	n, err := p.network(r.Network)
	if err != nil {
		return err
	}

	switch n.Type {
	case TypeDynamic:
		return nil
	case TypeVIP:
		r.Static = true
		if owner, ok := p.vips.Owner(r.Addr); ok && owner == r.Owner {
			return nil
		}
		return p.vips.Add(r)
	}

	s := n.SubnetFor(r.Addr, r.AZ)
	if s == nil {
		return &OutsideSubnetError{Addr: r.Addr, Network: r.Network}
	}
	class := s.Classify(r.Addr)
	if class == ClassRestricted {
		return &ReservedError{Addr: r.Addr, Network: r.Network}
	}
	if err := r.ValidateKind(class); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err := p.repo.Add(ctx, r, s)
		if !errors.Is(err, ErrAllocationConflict) {
			if err == nil {
				p.log.Debug("Reserved address", "network", r.Network, "address", r.Addr, "static", r.Static, "owner", r.Owner.String())
			}
			return err
		}
		if attempt+1 >= p.retries {
			return fmt.Errorf("reserve %s: gave up after %d attempts: %w", r, attempt+1, err)
		}
	}
}

// AllocateDynamic resolves r to a free dynamic address in a subnet serving
// r.AZ. Dynamic-type networks leave r unresolved; the cloud assigns.
func (p *Provider) AllocateDynamic(ctx context.Context, r *Reservation) error {
	n, err := p.network(r.Network)
	if err != nil {
		return err
	}

	switch n.Type {
	case TypeDynamic:
		return nil
	case TypeVIP:
		addr, ok := p.vips.Allocate(r, n.VIPs)
		if !ok {
			return &NotEnoughCapacityError{Network: n.Name}
		}
		r.Addr, r.Static = addr, true
		return nil
	}

	for _, s := range n.SubnetsInAZ(r.AZ) {
		addr, err := p.allocateIn(ctx, r, s)
		if err != nil {
			return err
		}
		if addr.IsValid() {
			r.Addr, r.Static = addr, false
			p.log.Debug("Allocated dynamic address", "network", r.Network, "subnet", s.Range.String(), "address", addr, "owner", r.Owner.String())
			return nil
		}
	}
	return &NotEnoughCapacityError{Network: n.Name, AZ: r.AZ}
}

func (p *Provider) allocateIn(ctx context.Context, r *Reservation, s *Subnet) (netip.Addr, error) {
	for attempt := 0; attempt < p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return netip.Addr{}, err
		}
		addr, err := p.repo.AllocateDynamic(ctx, r, s)
		if errors.Is(err, ErrAllocationConflict) {
			p.log.Debug("Dynamic allocation raced, retrying", "network", r.Network, "subnet", s.Range.String(), "attempt", attempt+1)
			continue
		}
		return addr, err
	}
	return netip.Addr{}, fmt.Errorf("allocate on %s: gave up after %d attempts: %w", s, p.retries, ErrAllocationConflict)
}

func (p *Provider) Release(ctx context.Context, r *Reservation) error {
	n, err := p.network(r.Network)
	if err != nil {
		return err
	}
	if !r.Resolved() {
		if n.Type == TypeDynamic {
			return nil
		}
		return fmt.Errorf("release %s: %w", r, ErrReservationIPMissing)
	}

	switch n.Type {
	case TypeDynamic:
		return nil
	case TypeVIP:
		p.vips.Delete(r.Addr)
		return nil
	}

	s := n.SubnetFor(r.Addr, r.AZ)
	if s == nil {
		return &NotOwnedError{Addr: r.Addr, Network: r.Network}
	}
	if err := p.repo.Delete(ctx, r, s); err != nil {
		return err
	}
	p.log.Debug("Released address", "network", r.Network, "address", r.Addr)
	return nil
}
