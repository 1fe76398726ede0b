// Copyright (C) 2025 OpenIRL.
// See LICENSE for copying information.

package srtla

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Group bonds the uplinks of one sender. It owns the socket towards the
// SRT server, the NAK dedup cache and the evaluation clocks shared by its
// members.
type Group struct {
	id        [GroupIDLen]byte
	conns     []*Conn
	createdAt time.Time

	// srtConn is nil until the first packet is forwarded towards the
	// server. lastAddr is the peer the most recent upstream datagram
	// arrived from; non-ACK server traffic goes back through it.
	srtConn  *net.UDPConn
	lastAddr *net.UDPAddr

	totalTargetBandwidth float64
	lastQualityEval      time.Time
	lastLoadBalanceEval  time.Time
	loadBalancing        bool

	nakCache map[uint64]*nakEntry

	log logr.Logger
}

// newGroup mints a group id from the client-supplied half plus a random
// half and binds the group's logger to it.
func newGroup(clientHalf []byte, now time.Time, loadBalancing bool, log logr.Logger) *Group {
	g := &Group{
		createdAt:     now,
		loadBalancing: loadBalancing,
		nakCache:      make(map[uint64]*nakEntry),
	}
	copy(g.id[:ClientIDLen], clientHalf)
	random := uuid.New()
	copy(g.id[ClientIDLen:], random[:])
	g.log = log.WithValues("group", g.ShortID())
	return g
}

// ID returns the full 32-byte group id.
func (g *Group) ID() [GroupIDLen]byte { return g.id }

// ShortID is the id prefix used in logs.
func (g *Group) ShortID() string { return hex.EncodeToString(g.id[:8]) }

// Conns returns the group's current members.
func (g *Group) Conns() []*Conn { return g.conns }

func (g *Group) findConn(addr *net.UDPAddr) *Conn {
	for _, c := range g.conns {
		if udpAddrEqual(c.addr, addr) {
			return c
		}
	}
	return nil
}

func (g *Group) addConn(c *Conn) {
	g.conns = append(g.conns, c)
}

func (g *Group) removeConn(victim *Conn) {
	kept := g.conns[:0]
	for _, c := range g.conns {
		if c != victim {
			kept = append(kept, c)
		}
	}
	g.conns = kept
}

func (g *Group) setLastAddr(addr *net.UDPAddr) {
	g.lastAddr = cloneUDPAddr(addr)
}

// socketInfoPath names the advisory file listing this group's bonded
// peers. The name embeds the local port of the server-facing socket, so
// the path is stable for the socket's lifetime.
func (g *Group) socketInfoPath() string {
	if g.srtConn == nil {
		return ""
	}
	local, ok := g.srtConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s%d", SocketInfoPrefix, local.Port)
}

// writeSocketInfo rewrites the advisory file with the member peer
// addresses, one per line. The write goes through a temp file and a
// rename so a concurrent reader never sees a partial list.
func (g *Group) writeSocketInfo() {
	path := g.socketInfoPath()
	if path == "" {
		return
	}
	var sb strings.Builder
	for _, c := range g.conns {
		sb.WriteString(c.addr.String())
		sb.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		g.log.Error(err, "could not write socket info file", "path", path)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		g.log.Error(err, "could not move socket info file into place", "path", path)
		return
	}
	g.log.Info("wrote socket info file", "path", path)
}

func (g *Group) removeSocketInfo() {
	path := g.socketInfoPath()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		g.log.Error(err, "could not remove socket info file", "path", path)
		return
	}
	g.log.Info("removed socket info file", "path", path)
}

// close releases the group's server-facing resources: the advisory file
// first, then the socket. Closing the socket also retires the reader
// goroutine watching it.
func (g *Group) close() {
	if g.srtConn == nil {
		return
	}
	g.removeSocketInfo()
	if err := g.srtConn.Close(); err != nil {
		g.log.Error(err, "could not close the group socket")
	}
	g.srtConn = nil
}
