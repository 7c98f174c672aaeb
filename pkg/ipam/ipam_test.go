package ipam

import (
	"net/netip"
	"slices"
	"testing"
)

func TestParseRange(t *testing.T) {
	r, err := ParseRange("10.0.0.7/29")
	if err != nil {
		t.Fatalf("ParseRange() error = %v", err)
	}
	if r.String() != "10.0.0.0/29" {
		t.Errorf("String() = %s, want 10.0.0.0/29", r)
	}
	if r.First() != netip.MustParseAddr("10.0.0.0") || r.Last() != netip.MustParseAddr("10.0.0.7") {
		t.Errorf("bounds = %s..%s", r.First(), r.Last())
	}
	if r.Size().Int64() != 8 {
		t.Errorf("Size() = %s, want 8", r.Size())
	}

	v6, err := ParseRange("fd00:1::17/64")
	if err != nil {
		t.Fatalf("ParseRange(ipv6) error = %v", err)
	}
	if v6.First() != netip.MustParseAddr("fd00:1::") || v6.Last() != netip.MustParseAddr("fd00:1::ffff:ffff:ffff:ffff") {
		t.Errorf("ipv6 bounds = %s..%s", v6.First(), v6.Last())
	}
	if v6.HostBits() != 64 || v6.Size().BitLen() != 65 {
		t.Errorf("ipv6 HostBits() = %d, Size() = %s", v6.HostBits(), v6.Size())
	}
	if _, err := ParseRange("::ffff:10.0.0.0/104"); err == nil {
		t.Error("ParseRange(ipv4-mapped) expected error")
	}
	if _, err := ParseRange("nonsense"); err == nil {
		t.Error("ParseRange(nonsense) expected error")
	}
}

func TestRangeAll(t *testing.T) {
	r := MustParseRange("192.168.1.0/30")
	got := slices.Collect(r.All())
	want := []netip.Addr{
		netip.MustParseAddr("192.168.1.0"),
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("192.168.1.2"),
		netip.MustParseAddr("192.168.1.3"),
	}
	if !slices.Equal(got, want) {
		t.Errorf("All() = %v, want %v", got, want)
	}

	top := MustParseRange("255.255.255.254/31")
	if n := len(slices.Collect(top.All())); n != 2 {
		t.Errorf("All() at top of space yielded %d addresses, want 2", n)
	}
	top6 := MustParseRange("ffff:ffff:ffff:ffff:ffff:ffff:ffff:fffc/126")
	if n := len(slices.Collect(top6.All())); n != 4 {
		t.Errorf("All() at top of ipv6 space yielded %d addresses, want 4", n)
	}
}

func TestParseAddrList(t *testing.T) {
	r := MustParseRange("10.0.0.0/24")

	tests := []struct {
		name    string
		entries []string
		want    []string
		wantErr bool
	}{
		{name: "single", entries: []string{"10.0.0.5"}, want: []string{"10.0.0.5"}},
		{name: "span", entries: []string{"10.0.0.10 - 10.0.0.12"}, want: []string{"10.0.0.10", "10.0.0.11", "10.0.0.12"}},
		{name: "cidr", entries: []string{"10.0.0.8/31"}, want: []string{"10.0.0.8", "10.0.0.9"}},
		{name: "blank entries skipped", entries: []string{"", "  "}, want: nil},
		{name: "outside range", entries: []string{"10.0.1.1"}, wantErr: true},
		{name: "reversed span", entries: []string{"10.0.0.9-10.0.0.3"}, wantErr: true},
		{name: "garbage", entries: []string{"ten"}, wantErr: true},
		{name: "other family", entries: []string{"fd00::5"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddrList(r, tt.entries)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddrList() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddrList() error = %v", err)
			}
			var gotStr []string
			for _, a := range got {
				gotStr = append(gotStr, a.String())
			}
			if !slices.Equal(gotStr, tt.want) {
				t.Errorf("ParseAddrList() = %v, want %v", gotStr, tt.want)
			}
		})
	}
}

func TestParseAddrListIPv6(t *testing.T) {
	r := MustParseRange("fd00:1::/64")
	got, err := ParseAddrList(r, []string{"fd00:1::5", "fd00:1::ffff - fd00:1::1:1", "fd00:1::20/127"})
	if err != nil {
		t.Fatalf("ParseAddrList() error = %v", err)
	}
	var gotStr []string
	for _, a := range got {
		gotStr = append(gotStr, a.String())
	}
	want := []string{"fd00:1::5", "fd00:1::ffff", "fd00:1::1:0", "fd00:1::1:1", "fd00:1::20", "fd00:1::21"}
	if !slices.Equal(gotStr, want) {
		t.Errorf("ParseAddrList() = %v, want %v", gotStr, want)
	}

	if _, err := ParseAddrList(r, []string{"fd00:1::9-10.0.0.1"}); err == nil {
		t.Error("ParseAddrList() with mixed families expected error")
	}
	if _, err := ParseAddrList(r, []string{"fd00:2::1"}); err == nil {
		t.Error("ParseAddrList() outside ipv6 range expected error")
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := MustParseRange("10.0.0.0/24")
	b := MustParseRange("10.0.0.128/25")
	c := MustParseRange("10.0.1.0/24")
	if !a.Overlaps(b) {
		t.Error("expected 10.0.0.0/24 to overlap 10.0.0.128/25")
	}
	if a.Overlaps(c) {
		t.Error("expected 10.0.0.0/24 not to overlap 10.0.1.0/24")
	}
	if a.Overlaps(MustParseRange("fd00::/8")) {
		t.Error("expected ranges of different families not to overlap")
	}
}
