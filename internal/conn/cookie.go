package conn

import (
	"encoding/binary"
	"net/netip"

	"github.com/pion/randutil"
	"golang.org/x/crypto/blake2b"
)

// cookieWindow is the coarse time step of the SYN cookie. A cookie stays
// valid for the current and the previous window so a slow caller is not
// rejected at the boundary.
const cookieWindow = 64 // seconds

// CookieSource computes stateless SYN cookies so the listener allocates no
// connection state until the caller proves it owns its address. The secret
// lives for the lifetime of the listener.
type CookieSource struct {
	secret [32]byte
}

// NewCookieSource draws a fresh secret.
func NewCookieSource() (*CookieSource, error) {
	s := &CookieSource{}
	for i := 0; i < len(s.secret); i += 8 {
		v, err := randutil.CryptoUint64()
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(s.secret[i:], v)
	}
	return s, nil
}

// Cookie returns the cookie for addr at unixSec.
func (s *CookieSource) Cookie(addr netip.AddrPort, unixSec int64) uint32 {
	return s.compute(addr, unixSec/cookieWindow)
}

// Valid reports whether cookie matches addr in the current or previous
// window. A mismatch is handled silently by the caller.
func (s *CookieSource) Valid(cookie uint32, addr netip.AddrPort, unixSec int64) bool {
	w := unixSec / cookieWindow
	return cookie == s.compute(addr, w) || cookie == s.compute(addr, w-1)
}

func (s *CookieSource) compute(addr netip.AddrPort, window int64) uint32 {
	h, _ := blake2b.New(8, s.secret[:])
	ip := addr.Addr().As16()
	h.Write(ip[:])

	var buf [10]byte
	binary.BigEndian.PutUint16(buf[0:2], addr.Port())
	binary.BigEndian.PutUint64(buf[2:10], uint64(window))
	h.Write(buf[:])

	sum := h.Sum(nil)
	c := binary.BigEndian.Uint32(sum[:4])
	if c == 0 {
		c = 1 // zero means "no cookie" on the wire
	}
	return c
}
