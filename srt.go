// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"
)

// SRTHandler moves traffic between a group and the downstream SRT server.
// Upstream it owns the lazily created per-group socket; downstream it
// fans SRT ACKs out to every member and returns everything else through
// the last peer address.
type SRTHandler struct {
	bond     *net.UDPConn
	srtAddr  *net.UDPAddr
	registry *Registry
	cfg      Config
	log      logr.Logger

	// watch starts a reader on a freshly opened group socket. Wired by
	// the receiver so handler and event loop stay separate.
	watch func(*Group)
}

func NewSRTHandler(bond *net.UDPConn, srtAddr *net.UDPAddr, registry *Registry, cfg Config, log logr.Logger) *SRTHandler {
	return &SRTHandler{
		bond:     bond,
		srtAddr:  srtAddr,
		registry: registry,
		cfg:      cfg,
		log:      log,
	}
}

// HandleServerData processes one datagram that arrived on the group's
// server-facing socket. A runt read tears the group down.
func (h *SRTHandler) HandleServerData(g *Group, buf []byte) {
	if len(buf) < SRTMinLen {
		g.log.Error(nil, "short read on the group socket, terminating the group")
		h.registry.RemoveGroup(g)
		return
	}

	if isSRTAck(buf) {
		// Every member needs the ACK so each uplink's sender-side
		// window keeps moving.
		for _, c := range g.conns {
			if err := h.sendToPeer(buf, c.addr); err != nil {
				g.log.Error(err, "could not send the SRT ack", "peer", c.addr.String())
			}
		}
		return
	}

	if g.lastAddr == nil {
		return
	}
	if err := h.sendToPeer(buf, g.lastAddr); err != nil {
		g.log.Error(err, "could not send the SRT packet", "peer", g.lastAddr.String())
	}
}

// Forward sends one upstream datagram to the SRT server, opening the
// group socket on first use. A failed or short send tears the group down.
func (h *SRTHandler) Forward(g *Group, buf []byte) bool {
	if !h.ensureSocket(g) {
		return false
	}
	n, err := g.srtConn.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		g.log.Error(err, "could not forward the packet, terminating the group")
		h.registry.RemoveGroup(g)
		return false
	}
	return true
}

func (h *SRTHandler) ensureSocket(g *Group) bool {
	if g.srtConn != nil {
		return true
	}

	conn, err := net.DialUDP("udp", nil, h.srtAddr)
	if err != nil {
		g.log.Error(err, "could not connect to the SRT server", "server", h.srtAddr.String())
		h.registry.RemoveGroup(g)
		return false
	}
	if err := setSocketBuffers(conn, h.cfg.RecvBufSize, h.cfg.SendBufSize); err != nil {
		g.log.Error(err, "could not size the group socket buffers")
		_ = conn.Close()
		h.registry.RemoveGroup(g)
		return false
	}
	g.srtConn = conn

	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		g.log.Info("created the group socket", "localPort", local.Port)
	}
	g.writeSocketInfo()
	if h.watch != nil {
		h.watch(g)
	}
	return true
}

func (h *SRTHandler) sendToPeer(buf []byte, peer *net.UDPAddr) error {
	n, err := h.bond.WriteToUDP(buf, peer)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(buf), io.ErrShortWrite)
	}
	return nil
}
