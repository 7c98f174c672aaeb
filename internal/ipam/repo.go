package ipam

import (
	"context"
	"net/netip"
)

// Repo persists address reservations for one or more subnets. Implementations
// must make each call atomic with respect to concurrent callers, possibly in
// other processes.
type Repo interface {
	// Add records an explicit reservation. Re-adding an address for the same
	// owner succeeds and reconciles the static flag.
	Add(ctx context.Context, r *Reservation, s *Subnet) error
	// AllocateDynamic claims the lowest free dynamic address of s for r.
	// It returns the zero Addr when the subnet is exhausted and
	// ErrAllocationConflict when a concurrent writer took the candidate.
	AllocateDynamic(ctx context.Context, r *Reservation, s *Subnet) (netip.Addr, error)
	// Delete releases r.Addr.
	Delete(ctx context.Context, r *Reservation, s *Subnet) error
}
