package ipam

import (
	"context"
	"maps"
	"net/netip"
	"slices"
	"sync"

	"drydock/internal/check"
)

var _ Repo = (*MemoryRepo)(nil)

// MemoryRepo keeps reservations in process memory. One instance is built per
// deployment run and shared by every worker of that run.
type MemoryRepo struct {
	mu    sync.Mutex
	pools map[*Subnet]*pool
}

type pool struct {
	availableStatic  map[netip.Addr]struct{}
	staticPool       map[netip.Addr]struct{}
	reservedDynamic  map[netip.Addr]struct{}
	recentlyReleased map[netip.Addr]struct{}
	owners           map[netip.Addr]Owner
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{pools: make(map[*Subnet]*pool)}
}

func (m *MemoryRepo) poolFor(s *Subnet) *pool {
	p, ok := m.pools[s]
	if ok {
		return p
	}
	p = &pool{
		availableStatic:  make(map[netip.Addr]struct{}),
		staticPool:       make(map[netip.Addr]struct{}),
		reservedDynamic:  make(map[netip.Addr]struct{}),
		recentlyReleased: make(map[netip.Addr]struct{}),
		owners:           make(map[netip.Addr]Owner),
	}
	for _, addr := range s.StaticAddrs() {
		p.staticPool[addr] = struct{}{}
		p.availableStatic[addr] = struct{}{}
	}
	m.pools[s] = p
	return p
}

func (m *MemoryRepo) Add(_ context.Context, r *Reservation, s *Subnet) error {
	v := r.Addr.Unmap()

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolFor(s)
	class := s.classify(v)
	if !s.Range.Contains(r.Addr) {
		class = ClassOutside
	}

	if _, ok := p.availableStatic[v]; ok {
		delete(p.availableStatic, v)
		p.owners[v] = r.Owner
		return nil
	}
	if class == ClassDynamic {
		if _, taken := p.reservedDynamic[v]; !taken {
			delete(p.recentlyReleased, v)
			p.reservedDynamic[v] = struct{}{}
			p.owners[v] = r.Owner
			return nil
		}
	}
	if owner, ok := p.owners[v]; ok && owner == r.Owner {
		return nil
	}
	if r.Kind == KindExisting && class != ClassRestricted {
		if class == ClassDynamic {
			delete(p.recentlyReleased, v)
			p.reservedDynamic[v] = struct{}{}
		}
		p.owners[v] = r.Owner
		return nil
	}
	return &AlreadyInUseError{Addr: r.Addr, Network: s.Network, Owner: p.owners[v]}
}

func (m *MemoryRepo) AllocateDynamic(_ context.Context, r *Reservation, s *Subnet) (netip.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolFor(s)

	taken := slices.Collect(maps.Keys(p.reservedDynamic))
	taken = slices.AppendSeq(taken, maps.Keys(p.recentlyReleased))
	if v, ok := s.FirstFree(taken); ok {
		p.reservedDynamic[v] = struct{}{}
		p.owners[v] = r.Owner
		return v, nil
	}

	if len(p.recentlyReleased) == 0 {
		return netip.Addr{}, nil
	}
	v := slices.MinFunc(slices.Collect(maps.Keys(p.recentlyReleased)), netip.Addr.Compare)
	delete(p.recentlyReleased, v)
	p.reservedDynamic[v] = struct{}{}
	p.owners[v] = r.Owner
	check.Assertf(s.classify(v) == ClassDynamic, "recycled address %s is not dynamic", v)
	return v, nil
}

func (m *MemoryRepo) Delete(_ context.Context, r *Reservation, s *Subnet) error {
	v := r.Addr.Unmap()

	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.poolFor(s)

	if _, ok := p.staticPool[v]; ok {
		p.availableStatic[v] = struct{}{}
		delete(p.owners, v)
		return nil
	}
	if s.Range.Contains(r.Addr) && s.classify(v) == ClassDynamic {
		delete(p.reservedDynamic, v)
		delete(p.owners, v)
		p.recentlyReleased[v] = struct{}{}
		return nil
	}
	return &NotOwnedError{Addr: r.Addr, Network: s.Network}
}
