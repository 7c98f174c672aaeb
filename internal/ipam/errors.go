package ipam

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrAllocationConflict signals a lost race on an address. The caller
	// retries; it never escapes the Provider.
	ErrAllocationConflict = errors.New("address allocation conflict")
	// ErrReservationIPMissing is returned when releasing a reservation that
	// never resolved to an address on a network that requires one.
	ErrReservationIPMissing = errors.New("reservation has no address")
)

// AlreadyInUseError reports that the address is held by another owner.
type AlreadyInUseError struct {
	Addr    netip.Addr
	Network string
	Owner   Owner
}

func (e *AlreadyInUseError) Error() string {
	if e.Owner.IsZero() {
		return fmt.Sprintf("failed to reserve address %s on network %q: already in use", e.Addr, e.Network)
	}
	return fmt.Sprintf("failed to reserve address %s on network %q: already reserved by %s", e.Addr, e.Network, e.Owner)
}

// NotOwnedError reports a release of an address that belongs to neither the
// static pool nor the dynamic range of its subnet.
type NotOwnedError struct {
	Addr    netip.Addr
	Network string
}

func (e *NotOwnedError) Error() string {
	return fmt.Sprintf("address %s does not belong to network %q", e.Addr, e.Network)
}

// ReservedError reports an explicit reservation of a restricted address.
type ReservedError struct {
	Addr    netip.Addr
	Network string
}

func (e *ReservedError) Error() string {
	return fmt.Sprintf("failed to reserve address %s on network %q: address belongs to reserved range", e.Addr, e.Network)
}

// WrongTypeError reports a static reservation of a dynamic address or the
// reverse.
type WrongTypeError struct {
	Addr    netip.Addr
	Network string
	Want    Kind
}

func (e *WrongTypeError) Error() string {
	return fmt.Sprintf("address %s on network %q does not belong to %s pool", e.Addr, e.Network, e.Want)
}

type OutsideSubnetError struct {
	Addr    netip.Addr
	Network string
}

func (e *OutsideSubnetError) Error() string {
	return fmt.Sprintf("address %s does not belong to any subnet of network %q", e.Addr, e.Network)
}

type NotEnoughCapacityError struct {
	Network string
	AZ      string
}

func (e *NotEnoughCapacityError) Error() string {
	if e.AZ == "" {
		return fmt.Sprintf("failed to allocate dynamic address on network %q: no more addresses available", e.Network)
	}
	return fmt.Sprintf("failed to allocate dynamic address on network %q in az %q: no more addresses available", e.Network, e.AZ)
}
