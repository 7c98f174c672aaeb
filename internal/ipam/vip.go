package ipam

import (
	"net/netip"
	"sync"
)

// VipRepo is the flat pool of virtual addresses. VIPs are not partitioned by
// subnet; an address is either held or free.
type VipRepo struct {
	mu   sync.Mutex
	held map[netip.Addr]Owner
}

func NewVipRepo() *VipRepo {
	return &VipRepo{held: make(map[netip.Addr]Owner)}
}

// Add holds r.Addr. An address already held fails with AlreadyInUseError,
// whoever holds it.
func (v *VipRepo) Add(r *Reservation) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	addr := r.Addr.Unmap()
	if owner, ok := v.held[addr]; ok {
		return &AlreadyInUseError{Addr: r.Addr, Network: r.Network, Owner: owner}
	}
	v.held[addr] = r.Owner
	return nil
}

func (v *VipRepo) Owner(addr netip.Addr) (Owner, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	owner, ok := v.held[addr.Unmap()]
	return owner, ok
}

// Allocate holds the first address of pool not yet held.
func (v *VipRepo) Allocate(r *Reservation, pool []netip.Addr) (netip.Addr, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, addr := range pool {
		addr = addr.Unmap()
		if _, ok := v.held[addr]; ok {
			continue
		}
		v.held[addr] = r.Owner
		return addr, true
	}
	return netip.Addr{}, false
}

func (v *VipRepo) Delete(addr netip.Addr) {
	v.mu.Lock()
	delete(v.held, addr.Unmap())
	v.mu.Unlock()
}

func (v *VipRepo) Contains(addr netip.Addr) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.held[addr.Unmap()]
	return ok
}
