package fake

import (
	"context"
	"net/netip"
	"sync"

	"drydock/internal/adapter/fake/fault"
	"drydock/internal/deploy"
	"drydock/internal/ipam"
)

const (
	FaultAddressReserve  = "addresses.Reserve"
	FaultAddressAllocate = "addresses.AllocateDynamic"
	FaultAddressRelease  = "addresses.Release"
)

var _ deploy.AddressPool = (*AddressPool)(nil)

// AddressPool records address calls. With a Backend it delegates to it;
// without one it hands out 10.0.0.100 upwards and accepts everything.
type AddressPool struct {
	CallRecorder
	Timeline *Timeline
	Backend  deploy.AddressPool
	faults   *fault.Injector

	mu   sync.Mutex
	next netip.Addr
}

func NewAddressPool(faults *fault.Injector) *AddressPool {
	if faults == nil {
		faults = fault.NewInjector()
	}
	return &AddressPool{faults: faults, next: netip.MustParseAddr("10.0.0.100")}
}

func (p *AddressPool) call(method string, r *ipam.Reservation) error {
	p.record(method, r.Network, r.Addr)
	p.Timeline.note("addresses", method, r.Network, r.Addr)
	return p.faults.Eval("addresses."+method, r)
}

func (p *AddressPool) Reserve(ctx context.Context, r *ipam.Reservation) error {
	if err := p.call("Reserve", r); err != nil {
		return err
	}
	if p.Backend != nil {
		return p.Backend.Reserve(ctx, r)
	}
	return nil
}

func (p *AddressPool) AllocateDynamic(ctx context.Context, r *ipam.Reservation) error {
	if err := p.call("AllocateDynamic", r); err != nil {
		return err
	}
	if p.Backend != nil {
		return p.Backend.AllocateDynamic(ctx, r)
	}
	p.mu.Lock()
	r.Addr = p.next
	p.next = p.next.Next()
	p.mu.Unlock()
	return nil
}

func (p *AddressPool) Release(ctx context.Context, r *ipam.Reservation) error {
	if err := p.call("Release", r); err != nil {
		return err
	}
	if p.Backend != nil {
		return p.Backend.Release(ctx, r)
	}
	return nil
}

// Released returns the addresses passed to Release in order.
func (p *AddressPool) Released() []netip.Addr {
	var out []netip.Addr
	for _, c := range p.Calls("Release") {
		out = append(out, c.Args[1].(netip.Addr))
	}
	return out
}
