package conn

import (
	"net/netip"
	"testing"
)

func TestCookieRoundTrip(t *testing.T) {
	src, err := NewCookieSource()
	if err != nil {
		t.Fatal(err)
	}

	addr := netip.MustParseAddrPort("192.0.2.7:9000")
	now := int64(1_000_000)

	c := src.Cookie(addr, now)
	if c == 0 {
		t.Fatal("cookie must be nonzero on the wire")
	}
	if !src.Valid(c, addr, now) {
		t.Error("cookie should validate in its own window")
	}
	if !src.Valid(c, addr, now+63) {
		t.Error("cookie should survive within the window")
	}
	if !src.Valid(c, addr, now+64) {
		t.Error("cookie should survive one window boundary")
	}
	if src.Valid(c, addr, now+192) {
		t.Error("cookie must expire after the previous window")
	}
}

func TestCookieBindsAddress(t *testing.T) {
	src, _ := NewCookieSource()
	now := int64(5_000_000)

	a := netip.MustParseAddrPort("192.0.2.7:9000")
	b := netip.MustParseAddrPort("192.0.2.8:9000")
	c := netip.MustParseAddrPort("192.0.2.7:9001")

	cookie := src.Cookie(a, now)
	if src.Valid(cookie, b, now) {
		t.Error("cookie must not validate for another host")
	}
	if src.Valid(cookie, c, now) {
		t.Error("cookie must not validate for another port")
	}

	other, _ := NewCookieSource()
	if other.Valid(cookie, a, now) {
		t.Error("cookie must not validate under another secret")
	}
}
