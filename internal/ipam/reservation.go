package ipam

import (
	"fmt"
	"net/netip"
	"strconv"
)

// Kind is how a reservation asks for its address.
type Kind uint8

const (
	KindDynamic Kind = iota + 1
	KindStatic
	// KindExisting is an address already recorded for an instance whose
	// static or dynamic nature is decided by the subnet it lands in.
	KindExisting
)

func (k Kind) String() string {
	switch k {
	case KindDynamic:
		return "dynamic"
	case KindStatic:
		return "static"
	case KindExisting:
		return "existing"
	default:
		return "unknown"
	}
}

func (k Kind) IsValid() bool {
	return k >= KindDynamic && k <= KindExisting
}

func ParseKind(raw string) (Kind, error) {
	for k := KindDynamic; k <= KindExisting; k++ {
		if k.String() == raw {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown reservation kind %q", raw)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("invalid reservation kind: %d", k)
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Owner identifies the instance holding a reservation.
type Owner struct {
	InstanceID string
	Deployment string
	Job        string
	Index      int
}

func (o Owner) IsZero() bool { return o == Owner{} }

func (o Owner) String() string {
	name := o.Job + "/" + strconv.Itoa(o.Index)
	if o.InstanceID != "" {
		name = o.Job + "/" + o.InstanceID
	}
	if o.Deployment == "" {
		return "instance " + name
	}
	return fmt.Sprintf("instance %s in deployment %s", name, o.Deployment)
}

// Reservation is a claim on one address of one network.
type Reservation struct {
	Addr    netip.Addr
	Network string
	Kind    Kind
	// Static is resolved by ValidateKind from the subnet the address falls in.
	Static bool
	Owner  Owner
	AZ     string
	TaskID string
}

// Resolved reports whether the reservation carries an address.
func (r *Reservation) Resolved() bool { return r.Addr.IsValid() }

func (r *Reservation) String() string {
	addr := "<unresolved>"
	if r.Resolved() {
		addr = r.Addr.String()
	}
	return fmt.Sprintf("{type=%s, ip=%s, network=%s, instance=%s}", r.Kind, addr, r.Network, r.Owner)
}

// ValidateKind checks the reservation kind against the class of its address
// and resolves Static. Restricted and outside addresses are rejected by the
// caller before this point.
func (r *Reservation) ValidateKind(class Class) error {
	switch r.Kind {
	case KindStatic:
		if class != ClassStatic {
			return &WrongTypeError{Addr: r.Addr, Network: r.Network, Want: KindStatic}
		}
		r.Static = true
	case KindDynamic:
		if class != ClassDynamic {
			return &WrongTypeError{Addr: r.Addr, Network: r.Network, Want: KindDynamic}
		}
		r.Static = false
	case KindExisting:
		r.Static = class == ClassStatic
	default:
		return fmt.Errorf("reservation %s has invalid kind %d", r, r.Kind)
	}
	return nil
}
