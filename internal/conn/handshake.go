package conn

import (
	"net/netip"
	"time"

	"github.com/lystra/bondsrt/internal/buffer"
	"github.com/lystra/bondsrt/internal/protocol"
	"github.com/lystra/bondsrt/internal/util"
)

// localCapabilities is what this implementation offers during negotiation.
// The negotiated set is the bitwise AND with the peer's mask, identical on
// both sides regardless of who called.
const localCapabilities = protocol.CapTSBPDSend |
	protocol.CapTSBPDRecv |
	protocol.CapTLPktDrop |
	protocol.CapPeriodicNAK |
	protocol.CapRexmitFlag

// srtVersionWire is the implementation version carried in the HS extension.
const srtVersionWire = 0x00010500

// handshakeState tracks the negotiation in progress.
type handshakeState struct {
	retries   int
	nextRetry uint64 // conn-clock microseconds
	backoff   time.Duration

	cookie       uint32 // listener-issued, echoed by the caller
	peerVersion  uint32
	negotiated   uint32 // capability mask after AND
	groupExt     *protocol.GroupExtension
	cookieSource *CookieSource // listener side only
}

// SetGroupExtension attaches bonding-group membership to the conclusion.
func (c *Conn) SetGroupExtension(ext *protocol.GroupExtension) {
	c.mu.Lock()
	c.hs.groupExt = ext
	c.mu.Unlock()
}

// GroupExtensionValue returns what the peer announced, if anything.
func (c *Conn) GroupExtensionValue() *protocol.GroupExtension {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hs.groupExt
}

// StartHandshake begins the caller-side exchange.
func (c *Conn) StartHandshake() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInit {
		return
	}
	now := c.clock.Now()
	c.hs.backoff = c.cfg.HandshakeBackoff
	c.hs.nextRetry = now + uint64(c.hs.backoff.Microseconds())
	c.setState(StateInduction)
	c.sendInduction(now)
}

// AttachListener arms the listener side with the shared cookie source.
func (c *Conn) AttachListener(src *CookieSource) {
	c.mu.Lock()
	c.hs.cookieSource = src
	c.setState(StateInduction)
	c.mu.Unlock()
}

// sendInduction emits the version-4 induction request. Called with the lock
// held.
func (c *Conn) sendInduction(now uint64) {
	hs := &protocol.Handshake{
		Version:    protocol.HandshakeVersion4,
		Extension:  2, // legacy socket type: DGRAM
		InitialSeq: c.ownISN,
		MTU:        uint32(c.cfg.MTU),
		FlowWindow: uint32(c.cfg.FlowWindow),
		ConnType:   protocol.ConnInduction,
		SocketID:   c.localID,
		PeerAddr:   c.remoteAddr.Addr(),
	}
	c.enqueue(protocol.NewControl(protocol.CtrlHandshake, 0, c.ts(now), 0, protocol.MarshalHandshake(hs)))
}

// sendConclusion emits the caller's conclusion, with extension blocks when
// the listener speaks version 5.
func (c *Conn) sendConclusion(now uint64) {
	hs := &protocol.Handshake{
		Version:    c.hs.peerVersion,
		InitialSeq: c.ownISN,
		MTU:        uint32(c.cfg.MTU),
		FlowWindow: uint32(c.cfg.FlowWindow),
		ConnType:   protocol.ConnConclusion,
		SocketID:   c.localID,
		SynCookie:  c.hs.cookie,
		PeerAddr:   c.remoteAddr.Addr(),
	}
	if c.hs.peerVersion >= protocol.HandshakeVersion5 {
		hs.Extension = protocol.ExtFlagHS
		hs.HS = &protocol.HSExtension{
			Version:     srtVersionWire,
			Flags:       localCapabilities,
			RecvLatency: uint16(c.cfg.Latency.Milliseconds()),
			SendLatency: uint16(c.cfg.Latency.Milliseconds()),
		}
		if c.hs.groupExt != nil {
			hs.Extension |= protocol.ExtFlagGroup
			hs.Group = c.hs.groupExt
		}
	}
	c.enqueue(protocol.NewControl(protocol.CtrlHandshake, 0, c.ts(now), c.remoteID, protocol.MarshalHandshake(hs)))
}

// tickHandshake drives caller retries with exponential backoff.
func (c *Conn) tickHandshake(now uint64) {
	if !c.isCaller || now < c.hs.nextRetry {
		return
	}

	c.hs.retries++
	if c.hs.retries >= c.cfg.HandshakeRetries {
		util.LogWarning("[%08x] handshake timed out after %d attempts", c.localID, c.hs.retries)
		c.reason = ReasonHandshakeTimeout
		c.setState(StateClosed)
		return
	}

	c.hs.backoff *= 2
	c.hs.nextRetry = now + uint64(c.hs.backoff.Microseconds())

	switch c.state {
	case StateInduction:
		c.sendInduction(now)
	case StateConclusion:
		c.sendConclusion(now)
	}
}

// handleHandshakePacket advances the negotiation. Called with the lock held.
func (c *Conn) handleHandshakePacket(p *protocol.Packet, now uint64) {
	hs, err := protocol.UnmarshalHandshake(p.Payload)
	if err != nil {
		c.errCount++
		return
	}

	if c.isCaller {
		c.callerHandshake(hs, now)
	} else {
		c.listenerHandshake(hs, now)
	}
}

func (c *Conn) callerHandshake(hs *protocol.Handshake, now uint64) {
	switch c.state {
	case StateInduction:
		if hs.ConnType != protocol.ConnInduction {
			return
		}
		version := hs.Version
		if version > protocol.HandshakeVersion5 {
			version = protocol.HandshakeVersion5
		}
		if version < protocol.HandshakeVersion4 {
			c.sendCtrl(protocol.CtrlPeerError, 0, nil, now)
			c.fail(ReasonProtocolError, now)
			return
		}
		c.hs.peerVersion = version
		c.hs.cookie = hs.SynCookie
		c.remoteID = hs.SocketID

		c.hs.backoff = c.cfg.HandshakeBackoff
		c.hs.retries = 0
		c.hs.nextRetry = now + uint64(c.hs.backoff.Microseconds())
		c.setState(StateConclusion)
		c.sendConclusion(now)

	case StateConclusion:
		if hs.ConnType != protocol.ConnAgreement {
			return
		}
		c.adoptPeer(hs)
		c.establish(hs.InitialSeq, now)
	}
}

func (c *Conn) listenerHandshake(hs *protocol.Handshake, now uint64) {
	switch hs.ConnType {
	case protocol.ConnInduction:
		if c.state > StateInduction {
			return // duplicate induction after progress
		}
		// Stateless reply: version 5 advertisement plus the SYN cookie.
		resp := &protocol.Handshake{
			Version:    protocol.HandshakeVersion5,
			Extension:  protocol.InductionResponseExtension(),
			InitialSeq: c.ownISN,
			MTU:        uint32(c.cfg.MTU),
			FlowWindow: uint32(c.cfg.FlowWindow),
			ConnType:   protocol.ConnInduction,
			SocketID:   c.localID,
			SynCookie:  c.hs.cookieSource.Cookie(c.remoteAddr, time.Now().Unix()),
			PeerAddr:   c.remoteAddr.Addr(),
		}
		c.enqueue(protocol.NewControl(protocol.CtrlHandshake, 0, c.ts(now), hs.SocketID, protocol.MarshalHandshake(resp)))

	case protocol.ConnConclusion:
		if c.state == StateConnected {
			// The agreement was lost; repeat it.
			c.sendAgreement(now)
			return
		}
		if !c.hs.cookieSource.Valid(hs.SynCookie, c.remoteAddr, time.Now().Unix()) {
			util.LogDebug("listener: cookie mismatch from %s, ignoring", c.remoteAddr)
			return
		}
		version := hs.Version
		if version > protocol.HandshakeVersion5 {
			version = protocol.HandshakeVersion5
		}
		if version < protocol.HandshakeVersion4 {
			c.sendCtrl(protocol.CtrlPeerError, 0, nil, now)
			c.fail(ReasonProtocolError, now)
			return
		}
		if hs.SocketID == 0 {
			return // a peer without identity never completes
		}
		c.hs.peerVersion = version
		c.remoteID = hs.SocketID
		c.adoptPeer(hs)
		c.sendAgreement(now)
		c.establish(hs.InitialSeq, now)
	}
}

// adoptPeer folds the peer's announced parameters into this side.
func (c *Conn) adoptPeer(hs *protocol.Handshake) {
	if mtu := int(hs.MTU); mtu > 0 && mtu < c.cfg.MTU {
		c.cfg.MTU = mtu
		if max := mtu - 28 - 16; c.cfg.PayloadSize > max {
			c.cfg.PayloadSize = max
		}
	}

	if hs.HS != nil {
		c.hs.negotiated = localCapabilities & hs.HS.Flags

		// Latency: the larger request wins, applied symmetrically.
		peer := time.Duration(hs.HS.RecvLatency) * time.Millisecond
		if p2 := time.Duration(hs.HS.SendLatency) * time.Millisecond; p2 > peer {
			peer = p2
		}
		if peer > c.latency {
			c.latency = peer
		}
	} else {
		// Version-4 peer: no extension blocks, local defaults apply.
		c.hs.negotiated = 0
	}

	if hs.Group != nil {
		c.hs.groupExt = hs.Group
	}
}

// sendAgreement answers a valid conclusion with the negotiated parameters.
func (c *Conn) sendAgreement(now uint64) {
	hs := &protocol.Handshake{
		Version:    c.hs.peerVersion,
		InitialSeq: c.ownISN,
		MTU:        uint32(c.cfg.MTU),
		FlowWindow: uint32(c.cfg.FlowWindow),
		ConnType:   protocol.ConnAgreement,
		SocketID:   c.localID,
		PeerAddr:   c.remoteAddr.Addr(),
		IsResponse: true,
	}
	if c.hs.peerVersion >= protocol.HandshakeVersion5 {
		hs.Extension = protocol.ExtFlagHS
		hs.HS = &protocol.HSExtension{
			Version:     srtVersionWire,
			Flags:       c.hs.negotiated,
			RecvLatency: uint16(c.latency.Milliseconds()),
			SendLatency: uint16(c.latency.Milliseconds()),
		}
	}
	c.enqueue(protocol.NewControl(protocol.CtrlHandshake, 0, c.ts(now), c.remoteID, protocol.MarshalHandshake(hs)))
}

// establish finishes the handshake and arms the data path.
func (c *Conn) establish(peerISN protocol.Seq, now uint64) {
	if c.state == StateConnected {
		return
	}
	c.peerISN = peerISN
	if !c.groupMode {
		c.rb = buffer.NewRecv(c.cfg.FlowWindow, peerISN)
	}
	c.lastRx = now
	util.LogInfo("[%08x] connected to %s (peer %08x, version %d, latency %s)",
		c.localID, c.remoteAddr, c.remoteID, c.hs.peerVersion, c.latency)
	c.setState(StateConnected)
}

// PeerISN returns the peer's initial sequence number.
func (c *Conn) PeerISN() protocol.Seq {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerISN
}

// NegotiatedCapabilities returns the AND of both capability masks.
func (c *Conn) NegotiatedCapabilities() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hs.negotiated
}

// SetRemote pins the peer address.
func (c *Conn) SetRemote(addr netip.AddrPort) {
	c.mu.Lock()
	c.remoteAddr = addr
	c.mu.Unlock()
}
