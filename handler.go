// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
)

const (
	// nakBurstThreshold is the transient NAK count beyond which a group
	// gets an out-of-schedule quality evaluation; nakBurstMinInterval
	// keeps those forced runs at least a second apart.
	nakBurstThreshold   = 5
	nakBurstMinInterval = time.Second
)

// BondHandler processes datagrams arriving on the shared bond socket:
// registration, keepalives, the ACK engine and the upstream data path.
type BondHandler struct {
	bond     *net.UDPConn
	registry *Registry
	srt      *SRTHandler
	quality  *QualityEvaluator
	cfg      Config
	log      logr.Logger
}

func NewBondHandler(bond *net.UDPConn, registry *Registry, srt *SRTHandler, quality *QualityEvaluator, cfg Config, log logr.Logger) *BondHandler {
	return &BondHandler{
		bond:     bond,
		registry: registry,
		srt:      srt,
		quality:  quality,
		cfg:      cfg,
		log:      log,
	}
}

// HandlePacket dispatches one bond-socket datagram.
func (h *BondHandler) HandlePacket(buf []byte, peer *net.UDPAddr, now time.Time) {
	if isREG1(buf) {
		h.registerGroup(peer, buf, now)
		return
	}
	if isREG2(buf) {
		h.registerConn(peer, buf, now)
		return
	}

	group, conn := h.registry.FindByAddr(peer)
	if group == nil || conn == nil {
		return
	}

	if conn.refresh(now) {
		group.log.Info("connection is recovering", "peer", conn.addr.String())
	}

	if isKeepalive(buf) {
		h.handleKeepalive(group, conn, buf, now)
		return
	}
	if len(buf) < SRTMinLen {
		return
	}

	group.setLastAddr(peer)
	conn.bytesReceived += uint64(len(buf))
	conn.packetsReceived++

	if isSRTNak(buf) {
		if !acceptNAK(group.nakCache, nakHash(buf), now) {
			group.log.Info("duplicate NAK packet suppressed", "peer", conn.addr.String())
			return
		}
		conn.packetsLost++
		conn.nackCount++
		group.log.Info("received NAK packet",
			"peer", conn.addr.String(), "totalLoss", conn.packetsLost)

		if conn.nackCount > nakBurstThreshold && now.Sub(group.lastQualityEval) >= nakBurstMinInterval {
			h.quality.Evaluate(group, now, true)
		}
	}

	if sn, ok := srtSequenceNumber(buf); ok {
		h.registerPacket(group, conn, sn, now)
	}

	h.srt.Forward(group, buf)
}

func (h *BondHandler) registerGroup(peer *net.UDPAddr, buf []byte, now time.Time) {
	if existing, _ := h.registry.FindByAddr(peer); existing != nil {
		h.sendControl(TypeRegErr, peer)
		h.log.Error(nil, "group registration failed: remote address already registered", "peer", peer.String())
		return
	}

	group := newGroup(buf[2:2+ClientIDLen], now, h.cfg.LoadBalancing, h.log)
	group.setLastAddr(peer)
	if err := h.registry.AddGroup(group); err != nil {
		h.sendControl(TypeRegErr, peer)
		h.log.Error(err, "group registration failed", "peer", peer.String())
		return
	}

	id := group.ID()
	if err := h.send(encodeREG2(&id), peer); err != nil {
		h.registry.RemoveGroup(group)
		h.log.Error(err, "group registration failed: send error", "peer", peer.String())
		return
	}
	group.log.Info("group registered", "peer", peer.String())
}

func (h *BondHandler) registerConn(peer *net.UDPAddr, buf []byte, now time.Time) {
	group := h.registry.FindByIDWait(buf[2:REG2Len])
	if group == nil {
		h.sendControl(TypeRegNGP, peer)
		h.log.Error(nil, "connection registration failed: no group found", "peer", peer.String())
		return
	}

	existing, conn := h.registry.FindByAddr(peer)
	if existing != nil && existing != group {
		h.sendControl(TypeRegErr, peer)
		group.log.Error(nil, "connection registration failed: provided group id mismatch", "peer", peer.String())
		return
	}

	// A repeated REG2 from a member is answered again; the sender may
	// have missed the first REG3.
	already := conn != nil
	if !already {
		if len(group.conns) >= MaxConnsPerGroup {
			h.sendControl(TypeRegErr, peer)
			group.log.Error(nil, "connection registration failed: max group conns reached", "peer", peer.String())
			return
		}
		conn = newConn(peer, now)
	}

	if err := h.send(encodeControl(TypeREG3), peer); err != nil {
		group.log.Error(err, "connection registration failed: send error", "peer", peer.String())
		return
	}

	if !already {
		group.addConn(conn)
	}
	group.writeSocketInfo()
	group.setLastAddr(peer)
	group.log.Info("connection registered", "peer", peer.String())
}

func (h *BondHandler) handleKeepalive(group *Group, conn *Conn, buf []byte, now time.Time) {
	if info, ok := parseKeepaliveInfo(buf); ok {
		conn.updateTelemetry(info, now)
		group.log.Info("per-connection keepalive",
			"peer", conn.addr.String(),
			"id", info.ConnID,
			"bwKbps", float64(info.BitrateBps)*8/1000,
			"window", info.Window,
			"inFlight", info.InFlight,
			"rttMs", info.RTT,
			"naks", info.NAKCount)
	} else {
		// Bare keepalive; quality evaluation falls back to
		// receiver-only metrics for this uplink.
		group.log.V(1).Info("keepalive without sender telemetry", "peer", conn.addr.String())
	}

	if err := h.send(buf, conn.addr); err != nil {
		group.log.Error(err, "could not echo the keepalive", "peer", conn.addr.String())
	}
}

// SendKeepalive pokes an idle member so the sender keeps the uplink's NAT
// binding and RTT estimate alive. Used by the cleanup pass.
func (h *BondHandler) SendKeepalive(group *Group, conn *Conn) {
	if err := h.send(encodeControl(TypeKeepalive), conn.addr); err != nil {
		group.log.Error(err, "could not send a keepalive packet", "peer", conn.addr.String())
		return
	}
	group.log.V(1).Info("sent keepalive packet", "peer", conn.addr.String())
}

// registerPacket feeds one data sequence number into the uplink's ACK
// ring. A full ring emits a batched ACK, gated by the throttle factor;
// the ring restarts either way.
func (h *BondHandler) registerPacket(group *Group, conn *Conn, sn uint32, now time.Time) {
	conn.recvLog[conn.recvIdx] = sn
	conn.recvIdx++
	if conn.recvIdx < RecvACKInt {
		return
	}
	conn.recvIdx = 0

	if conn.ackThrottle > 0 && conn.ackThrottle < 1 {
		minInterval := time.Duration(float64(ackThrottleInterval) / conn.ackThrottle)
		if !conn.lastACKSent.IsZero() && now.Sub(conn.lastACKSent) < minInterval {
			group.log.V(1).Info("ACK throttled",
				"peer", conn.addr.String(),
				"nextInMs", (minInterval - now.Sub(conn.lastACKSent)).Milliseconds(),
				"factor", conn.ackThrottle)
			return
		}
	}

	if err := h.send(encodeACK(&conn.recvLog), conn.addr); err != nil {
		group.log.Error(err, "could not send the ACK batch", "peer", conn.addr.String())
		return
	}
	conn.lastACKSent = now
	group.log.V(1).Info("sent ACK batch", "peer", conn.addr.String(), "factor", conn.ackThrottle)
}

func (h *BondHandler) send(buf []byte, peer *net.UDPAddr) error {
	n, err := h.bond.WriteToUDP(buf, peer)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

func (h *BondHandler) sendControl(t uint16, peer *net.UDPAddr) {
	if err := h.send(encodeControl(t), peer); err != nil {
		h.log.Error(err, "could not send a control reply", "peer", peer.String(), "type", t)
	}
}
