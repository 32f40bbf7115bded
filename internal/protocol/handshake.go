package protocol

import (
	"encoding/binary"
	"net/netip"
)

// Handshake versions. Version 4 is the legacy induction-only format; version 5
// is the full protocol with extension blocks.
const (
	HandshakeVersion4 = 4
	HandshakeVersion5 = 5
)

// Connection type carried in the handshake CIF.
type ConnType int32

const (
	ConnInduction  ConnType = 1
	ConnRendezvous ConnType = 0
	ConnConclusion ConnType = -1
	ConnAgreement  ConnType = -2
)

func (t ConnType) String() string {
	switch t {
	case ConnInduction:
		return "induction"
	case ConnRendezvous:
		return "rendezvous"
	case ConnConclusion:
		return "conclusion"
	case ConnAgreement:
		return "agreement"
	}
	return "unknown"
}

// Encryption field values (cipher family reserved for future key material).
const (
	EncryptNone   uint16 = 0
	EncryptAES128 uint16 = 2
	EncryptAES192 uint16 = 3
	EncryptAES256 uint16 = 4
)

// Extension field flag bits advertised during the conclusion exchange.
const (
	ExtFlagHS     uint16 = 1 << 0
	ExtFlagKM     uint16 = 1 << 1
	ExtFlagConfig uint16 = 1 << 2
	ExtFlagGroup  uint16 = 1 << 3
)

// inductionExtMagic is sent back by a version-5 listener in the extension
// field of the induction response to advertise version-5 support.
const inductionExtMagic uint16 = 0x4A17

// Extension block type codes inside the conclusion payload.
const (
	extTypeHSReq uint16 = 1
	extTypeHSRsp uint16 = 2
	extTypeKMReq uint16 = 3
	extTypeKMRsp uint16 = 4
	extTypeGroup uint16 = 8
)

// Capability flag bits of the HSREQ/HSRSP block.
const (
	CapTSBPDSend   uint32 = 1 << 0
	CapTSBPDRecv   uint32 = 1 << 1
	CapCrypt       uint32 = 1 << 2
	CapTLPktDrop   uint32 = 1 << 3
	CapPeriodicNAK uint32 = 1 << 4
	CapRexmitFlag  uint32 = 1 << 5
	CapStream      uint32 = 1 << 6
	CapFilter      uint32 = 1 << 7
)

// HSExtension is the HSREQ/HSRSP block: capability flags and the TSBPD
// latency each side asks for, in milliseconds.
type HSExtension struct {
	Version     uint32
	Flags       uint32
	RecvLatency uint16
	SendLatency uint16
}

// GroupExtension announces bonding-group membership during conclusion.
type GroupExtension struct {
	GroupID uint32
	Mode    uint8 // 0 broadcast, 1 backup, 2 balancing
	Weight  uint8
}

// Handshake is the control information field of a HANDSHAKE packet.
type Handshake struct {
	Version        uint32
	Encryption     uint16
	Extension      uint16
	InitialSeq     Seq
	MTU            uint32
	FlowWindow     uint32
	ConnType       ConnType
	SocketID       uint32
	SynCookie      uint32
	PeerAddr       netip.Addr // IPv4 or IPv6, carried as 128 bits
	IsResponse     bool       // selects HSRSP/KMRSP over HSREQ/KMREQ on marshal
	HS             *HSExtension
	KeyMaterial    []byte // opaque KMREQ/KMRSP body, reserved
	Group          *GroupExtension
}

const handshakeBaseLen = 48

// MarshalHandshake serializes the CIF including any extension blocks.
func MarshalHandshake(h *Handshake) []byte {
	buf := make([]byte, handshakeBaseLen, handshakeBaseLen+32)

	binary.BigEndian.PutUint32(buf[0:4], h.Version)
	binary.BigEndian.PutUint16(buf[4:6], h.Encryption)
	binary.BigEndian.PutUint16(buf[6:8], h.Extension)
	binary.BigEndian.PutUint32(buf[8:12], h.InitialSeq.Val())
	binary.BigEndian.PutUint32(buf[12:16], h.MTU)
	binary.BigEndian.PutUint32(buf[16:20], h.FlowWindow)
	binary.BigEndian.PutUint32(buf[20:24], uint32(h.ConnType))
	binary.BigEndian.PutUint32(buf[24:28], h.SocketID)
	binary.BigEndian.PutUint32(buf[28:32], h.SynCookie)
	putAddr(buf[32:48], h.PeerAddr)

	if h.HS != nil {
		extType := extTypeHSReq
		if h.IsResponse {
			extType = extTypeHSRsp
		}
		var ext [16]byte
		binary.BigEndian.PutUint16(ext[0:2], extType)
		binary.BigEndian.PutUint16(ext[2:4], 3) // length in 32-bit words
		binary.BigEndian.PutUint32(ext[4:8], h.HS.Version)
		binary.BigEndian.PutUint32(ext[8:12], h.HS.Flags)
		binary.BigEndian.PutUint16(ext[12:14], h.HS.RecvLatency)
		binary.BigEndian.PutUint16(ext[14:16], h.HS.SendLatency)
		buf = append(buf, ext[:]...)
	}

	if len(h.KeyMaterial) > 0 {
		extType := extTypeKMReq
		if h.IsResponse {
			extType = extTypeKMRsp
		}
		km := h.KeyMaterial
		if pad := len(km) % 4; pad != 0 {
			km = append(append([]byte{}, km...), make([]byte, 4-pad)...)
		}
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], extType)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(km)/4))
		buf = append(buf, hdr[:]...)
		buf = append(buf, km...)
	}

	if h.Group != nil {
		var ext [12]byte
		binary.BigEndian.PutUint16(ext[0:2], extTypeGroup)
		binary.BigEndian.PutUint16(ext[2:4], 2)
		binary.BigEndian.PutUint32(ext[4:8], h.Group.GroupID)
		ext[8] = h.Group.Mode
		ext[9] = h.Group.Weight
		buf = append(buf, ext[:]...)
	}

	return buf
}

// UnmarshalHandshake parses the CIF of a HANDSHAKE packet.
func UnmarshalHandshake(data []byte) (*Handshake, error) {
	if len(data) < handshakeBaseLen {
		return nil, decodeErr(TooShort, "handshake CIF %d bytes", len(data))
	}

	h := &Handshake{
		Version:    binary.BigEndian.Uint32(data[0:4]),
		Encryption: binary.BigEndian.Uint16(data[4:6]),
		Extension:  binary.BigEndian.Uint16(data[6:8]),
		InitialSeq: NewSeq(binary.BigEndian.Uint32(data[8:12])),
		MTU:        binary.BigEndian.Uint32(data[12:16]),
		FlowWindow: binary.BigEndian.Uint32(data[16:20]),
		ConnType:   ConnType(int32(binary.BigEndian.Uint32(data[20:24]))),
		SocketID:   binary.BigEndian.Uint32(data[24:28]),
		SynCookie:  binary.BigEndian.Uint32(data[28:32]),
		PeerAddr:   getAddr(data[32:48]),
	}

	switch h.ConnType {
	case ConnInduction, ConnRendezvous, ConnConclusion, ConnAgreement:
	default:
		return nil, decodeErr(BadDiscriminator, "connection type %d", h.ConnType)
	}

	// Extension blocks only appear on version-5 conclusion/agreement packets.
	rest := data[handshakeBaseLen:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, decodeErr(PayloadTruncated, "extension header %d bytes", len(rest))
		}
		extType := binary.BigEndian.Uint16(rest[0:2])
		extLen := int(binary.BigEndian.Uint16(rest[2:4])) * 4
		rest = rest[4:]
		if len(rest) < extLen {
			return nil, decodeErr(PayloadTruncated, "extension %d wants %d bytes, %d left", extType, extLen, len(rest))
		}
		body := rest[:extLen]

		switch extType {
		case extTypeHSReq, extTypeHSRsp:
			if extLen != 12 {
				return nil, decodeErr(PayloadTruncated, "HS extension length %d", extLen)
			}
			h.HS = &HSExtension{
				Version:     binary.BigEndian.Uint32(body[0:4]),
				Flags:       binary.BigEndian.Uint32(body[4:8]),
				RecvLatency: binary.BigEndian.Uint16(body[8:10]),
				SendLatency: binary.BigEndian.Uint16(body[10:12]),
			}
			h.IsResponse = extType == extTypeHSRsp
		case extTypeKMReq, extTypeKMRsp:
			h.KeyMaterial = append([]byte{}, body...)
		case extTypeGroup:
			if extLen < 8 {
				return nil, decodeErr(PayloadTruncated, "group extension length %d", extLen)
			}
			h.Group = &GroupExtension{
				GroupID: binary.BigEndian.Uint32(body[0:4]),
				Mode:    body[4],
				Weight:  body[5],
			}
		default:
			// Unknown extensions are skipped, not fatal.
		}

		rest = rest[extLen:]
	}

	return h, nil
}

// InductionResponseExtension returns the extension field a version-5 listener
// advertises in its induction response.
func InductionResponseExtension() uint16 {
	return inductionExtMagic
}

// putAddr stores an address as four 32-bit fields; IPv4 fills only the first.
func putAddr(buf []byte, addr netip.Addr) {
	if !addr.IsValid() {
		for i := range buf[:16] {
			buf[i] = 0
		}
		return
	}
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		copy(buf[0:4], b[:])
		for i := 4; i < 16; i++ {
			buf[i] = 0
		}
		return
	}
	b := addr.As16()
	copy(buf, b[:])
}

func getAddr(buf []byte) netip.Addr {
	allZero := true
	for _, b := range buf[4:16] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		var b4 [4]byte
		copy(b4[:], buf[0:4])
		return netip.AddrFrom4(b4)
	}
	var b16 [16]byte
	copy(b16[:], buf)
	return netip.AddrFrom16(b16)
}
