package protocol

import (
	"encoding/binary"
	"fmt"
)

// controlFlag is bit 31 of the first header word.
const controlFlag uint32 = 0x8000_0000

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind int

const (
	TooShort DecodeErrorKind = iota
	BadDiscriminator
	UnknownControlType
	BadFlagCombination
	PayloadTruncated
)

func (k DecodeErrorKind) String() string {
	switch k {
	case TooShort:
		return "TooShort"
	case BadDiscriminator:
		return "BadDiscriminator"
	case UnknownControlType:
		return "UnknownControlType"
	case BadFlagCombination:
		return "BadFlagCombination"
	case PayloadTruncated:
		return "PayloadTruncated"
	}
	return "unknown"
}

// DecodeError reports why a datagram could not be parsed.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode: %s", e.Kind)
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Detail)
}

func decodeErr(kind DecodeErrorKind, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Encode serializes a packet into a fresh byte slice in network byte order.
// It is total: every Packet value produces a datagram.
func Encode(p *Packet) []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))

	if p.IsControl {
		binary.BigEndian.PutUint16(buf[0:2], uint16(p.CtrlType))
		buf[0] |= 0x80
		binary.BigEndian.PutUint16(buf[2:4], p.Subtype)
		binary.BigEndian.PutUint32(buf[4:8], p.TypeSpecific)
	} else {
		binary.BigEndian.PutUint32(buf[0:4], p.Seq.Val())

		field := p.MsgNumber & MaxMsgNumber
		field |= uint32(p.Boundary&0b11) << 30
		if p.InOrder {
			field |= 1 << 29
		}
		field |= uint32(p.KeySpec&0b11) << 27
		if p.Retransmitted {
			field |= 1 << 26
		}
		binary.BigEndian.PutUint32(buf[4:8], field)
	}

	binary.BigEndian.PutUint32(buf[8:12], p.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], p.DestSocketID)
	copy(buf[HeaderSize:], p.Payload)

	return buf
}

// Decode parses a datagram. The returned packet's Payload aliases data; the
// caller must Clone before retaining it past the buffer's reuse.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, decodeErr(TooShort, "%d bytes (need %d)", len(data), HeaderSize)
	}

	p := &Packet{
		Timestamp:    binary.BigEndian.Uint32(data[8:12]),
		DestSocketID: binary.BigEndian.Uint32(data[12:16]),
	}

	word0 := binary.BigEndian.Uint32(data[0:4])

	if word0&controlFlag != 0 {
		p.IsControl = true
		p.CtrlType = CtrlType(binary.BigEndian.Uint16(data[0:2]) &^ 0x8000)
		p.Subtype = binary.BigEndian.Uint16(data[2:4])
		p.TypeSpecific = binary.BigEndian.Uint32(data[4:8])

		if !p.CtrlType.known() {
			return nil, decodeErr(UnknownControlType, "type %#04x", uint16(p.CtrlType))
		}
	} else {
		p.Seq = NewSeq(word0)

		field := binary.BigEndian.Uint32(data[4:8])
		p.Boundary = Boundary((field >> 30) & 0b11)
		p.InOrder = field&(1<<29) != 0
		p.KeySpec = KeySpec((field >> 27) & 0b11)
		p.Retransmitted = field&(1<<26) != 0
		p.MsgNumber = field & MaxMsgNumber

		if p.KeySpec > KeyOdd {
			return nil, decodeErr(BadFlagCombination, "key spec 0b11 on data packet")
		}
	}

	if len(data) > HeaderSize {
		p.Payload = data[HeaderSize:]
	}

	return p, nil
}
